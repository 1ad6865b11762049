package events

// Usage is the aggregate of metadata events over a session's journal.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// AggregateUsage sums token and cost metadata from the journal's current
// generation.
func AggregateUsage(j *Journal) (Usage, error) {
	evs, err := j.ReadSince(0, map[string]bool{TypeMetadata: true})
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, ev := range evs {
		meta, ok := ev.Data.(MetadataPayload)
		if !ok {
			continue
		}
		u.InputTokens += asInt64(meta.Values[MetaInputTokens])
		u.OutputTokens += asInt64(meta.Values[MetaOutputTokens])
		u.TotalCostUSD += asFloat64(meta.Values[MetaCostUSD])
	}
	return u, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
