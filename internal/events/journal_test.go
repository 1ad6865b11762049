package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeEvents(t *testing.T, j *Journal, n int, startSeq int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := New("s1", OutputPayload{Text: "chunk", Kind: OutputKindStep})
		ev.Seq = startSeq + int64(i)
		if err := j.Append(ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func TestJournalAppendAndReadSince(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	writeEvents(t, j, 5, 1)

	evs, err := j.ReadSince(2, nil)
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != int64(3+i) {
			t.Errorf("event %d: expected seq %d, got %d", i, 3+i, ev.Seq)
		}
	}
}

func TestJournalTypeFilter(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	ev1 := New("s1", UserInputPayload{Text: "hi"})
	ev1.Seq = 1
	ev2 := New("s1", OutputPayload{Text: "hello", Kind: OutputKindFinal, Final: true})
	ev2.Seq = 2
	if err := j.Append(ev1); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(ev2); err != nil {
		t.Fatal(err)
	}

	evs, err := j.ReadSince(0, map[string]bool{TypeUserInput: true})
	if err != nil {
		t.Fatalf("ReadSince failed: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != TypeUserInput {
		t.Fatalf("expected only the user_input event, got %+v", evs)
	}
	if payload, ok := evs[0].Data.(UserInputPayload); !ok || payload.Text != "hi" {
		t.Fatalf("expected typed payload, got %#v", evs[0].Data)
	}
}

func TestJournalSeqRecovery(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	writeEvents(t, j, 42, 1)
	j.Close()

	// Reopen simulates a process restart.
	j2, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j2.Close()

	if j2.MaxSeq() != 42 {
		t.Fatalf("expected recovered max seq 42, got %d", j2.MaxSeq())
	}

	evs, err := j2.ReadSince(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("seq not strictly increasing at index %d", i)
		}
	}
}

func TestJournalSeqRecoveryFromRotatedGeneration(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	writeEvents(t, j, 9, 1)
	j.Close()

	// Crash window: the rename happened but nothing was appended to the
	// fresh file yet, so only the rotated generation holds events.
	base := filepath.Join(dir, "sessions", "s1", "events.jsonl")
	if err := os.Rename(base, base+".1"); err != nil {
		t.Fatal(err)
	}

	j2, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j2.Close()

	if j2.MaxSeq() != 9 {
		t.Fatalf("expected max seq 9 from the rotated generation, got %d", j2.MaxSeq())
	}
}

func TestJournalRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny threshold so a handful of events force rotation.
	j, err := OpenJournal(dir, "s1", 512)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	big := strings.Repeat("x", 200)
	for i := 1; i <= 10; i++ {
		ev := New("s1", OutputPayload{Text: big, Kind: OutputKindStep})
		ev.Seq = int64(i)
		if err := j.Append(ev); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	rotated := filepath.Join(dir, "sessions", "s1", "events.jsonl.1")
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected rotated generation at %s: %v", rotated, err)
	}

	// Writes continue and new events are still served.
	ev := New("s1", OutputPayload{Text: "after-rotation", Kind: OutputKindStep})
	ev.Seq = 11
	if err := j.Append(ev); err != nil {
		t.Fatalf("post-rotation Append failed: %v", err)
	}
	evs, err := j.ReadSince(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Seq != 11 {
		t.Fatalf("expected the post-rotation event, got %+v", evs)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{
		SessionID: "s1",
		Ts:        time.Now().UTC().Truncate(time.Second),
		Seq:       7,
		Type:      TypePermissionRequest,
		Data: PermissionRequestPayload{
			RequestID: "req_1",
			ToolName:  "Bash",
			ToolInput: map[string]any{"command": "ls"},
		},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	payload, ok := back.Data.(PermissionRequestPayload)
	if !ok {
		t.Fatalf("expected PermissionRequestPayload, got %#v", back.Data)
	}
	if payload.RequestID != "req_1" || payload.ToolName != "Bash" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestAggregateUsage(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	for i := 1; i <= 2; i++ {
		ev := New("s1", MetadataPayload{Values: map[string]any{
			MetaInputTokens:  100,
			MetaOutputTokens: 50,
			MetaCostUSD:      0.25,
		}})
		ev.Seq = int64(i)
		if err := j.Append(ev); err != nil {
			t.Fatal(err)
		}
	}

	u, err := AggregateUsage(j)
	if err != nil {
		t.Fatal(err)
	}
	if u.InputTokens != 200 || u.OutputTokens != 100 {
		t.Fatalf("unexpected token totals: %+v", u)
	}
	if u.TotalCostUSD != 0.5 {
		t.Fatalf("unexpected cost: %v", u.TotalCostUSD)
	}
}
