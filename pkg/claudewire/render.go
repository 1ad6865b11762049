package claudewire

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// toolResultPreview bounds how much of a tool result body is rendered.
const toolResultPreview = 500

// Rendered is one displayable chunk derived from a content block.
type Rendered struct {
	Text  string
	Kind  string // step or final
	Final bool
}

const (
	KindStep  = "step"
	KindFinal = "final"
)

// RenderBlocks flattens an output emission into displayable chunks.
// A text block is final only when it is the last text block and no
// tool_use block follows it in the same emission; everything else is a
// step. Tool results are truncated to a bounded preview.
func RenderBlocks(blocks []ContentBlock) []Rendered {
	lastText := -1
	lastToolUse := -1
	for i, b := range blocks {
		switch b.Type {
		case BlockText:
			lastText = i
		case BlockToolUse:
			lastToolUse = i
		}
	}

	out := make([]Rendered, 0, len(blocks))
	for i, b := range blocks {
		switch b.Type {
		case BlockText:
			if b.Text == "" {
				continue
			}
			final := i == lastText && lastToolUse < i
			kind := KindStep
			if final {
				kind = KindFinal
			}
			out = append(out, Rendered{Text: b.Text, Kind: kind, Final: final})
		case BlockThinking:
			if b.Thinking == "" {
				continue
			}
			out = append(out, Rendered{Text: b.Thinking, Kind: KindStep})
		case BlockToolUse:
			out = append(out, Rendered{Text: renderToolUse(b), Kind: KindStep})
		case BlockToolResult:
			out = append(out, Rendered{Text: renderToolResult(b), Kind: KindStep})
		}
	}
	return out
}

func renderToolUse(b ContentBlock) string {
	if len(b.Input) == 0 {
		return fmt.Sprintf("[%s]", b.Name)
	}
	input, err := json.Marshal(b.Input)
	if err != nil {
		return fmt.Sprintf("[%s]", b.Name)
	}
	return fmt.Sprintf("[%s] %s", b.Name, input)
}

func renderToolResult(b ContentBlock) string {
	body := b.Content
	if len(body) > toolResultPreview {
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := toolResultPreview
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "…"
	}
	if b.IsError {
		return "[tool error] " + body
	}
	return "[tool result] " + body
}
