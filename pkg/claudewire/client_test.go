package claudewire

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferrydev/ferry/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendStart(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendStart("fix the bug", "/work/demo", "interactive", "ext-1")
	if err != nil {
		t.Fatalf("SendStart() error = %v", err)
	}

	var cmd Command
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &cmd); err != nil {
		t.Fatalf("failed to parse sent command: %v", err)
	}
	if cmd.Type != CommandStart {
		t.Errorf("Type = %q, want %q", cmd.Type, CommandStart)
	}
	if cmd.Prompt != "fix the bug" {
		t.Errorf("Prompt = %q, want %q", cmd.Prompt, "fix the bug")
	}
	if cmd.ResumeSessionID != "ext-1" {
		t.Errorf("ResumeSessionID = %q, want %q", cmd.ResumeSessionID, "ext-1")
	}
}

func TestClient_SendPermissionResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendPermissionResponse("req123", false, "nope", nil)
	if err != nil {
		t.Fatalf("SendPermissionResponse() error = %v", err)
	}

	var cmd Command
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &cmd); err != nil {
		t.Fatalf("failed to parse sent command: %v", err)
	}
	if cmd.Type != CommandPermissionResponse {
		t.Errorf("Type = %q, want %q", cmd.Type, CommandPermissionResponse)
	}
	if cmd.Behavior != BehaviorDeny {
		t.Errorf("Behavior = %q, want %q", cmd.Behavior, BehaviorDeny)
	}
	if cmd.Message != "nope" {
		t.Errorf("Message = %q, want %q", cmd.Message, "nope")
	}
}

func TestClient_ReadLoopDispatchesMessages(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"init","session_id":"ext-42","model":"opus"}`,
		``,
		`{"type":"output","blocks":[{"type":"text","text":"hi"}]}`,
		`{"type":"result","text":"hi","cost_usd":0.01}`,
	}, "\n") + "\n"

	client := NewClient(&bytes.Buffer{}, strings.NewReader(stdout), newTestLogger())

	var mu sync.Mutex
	var got []string
	client.SetMessageHandler(func(msg *ChildMessage) {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
	})

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{MessageTypeInit, MessageTypeOutput, MessageTypeResult}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClient_ReadLoopSkipsMalformedLines(t *testing.T) {
	stdout := "not json\n" + `{"type":"heartbeat","elapsed_s":5}` + "\n"
	client := NewClient(&bytes.Buffer{}, strings.NewReader(stdout), newTestLogger())

	var mu sync.Mutex
	var got []*ChildMessage
	client.SetMessageHandler(func(msg *ChildMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	<-client.Start(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Type != MessageTypeHeartbeat || got[0].ElapsedS != 5 {
		t.Errorf("unexpected message: %+v", got[0])
	}
}
