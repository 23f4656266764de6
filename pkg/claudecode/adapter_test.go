package claudecode

import (
	"strings"
	"testing"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return New(log).(*Adapter)
}

func collectEvents(t *testing.T, lines []string) []agent.Event {
	t.Helper()
	a := testAdapter(t)
	var events []agent.Event
	for _, line := range lines {
		a.handleLine([]byte(line), func(ev agent.Event) {
			events = append(events, ev)
		})
	}
	return events
}

func TestHandleLineInit(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"system","subtype":"init","session_id":"sess-1","model":"opus"}`,
	})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != agent.EventInit {
		t.Errorf("kind = %q, want init", ev.Kind)
	}
	if ev.SessionID != "sess-1" || ev.Model != "opus" {
		t.Errorf("session/model = %q/%q", ev.SessionID, ev.Model)
	}
}

func TestHandleLineAssistantBlocks(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":[` +
			`{"type":"thinking","thinking":"planning the fix"},` +
			`{"type":"text","text":"I will edit the file"},` +
			`{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"go vet ./..."}}]}}`,
	})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != agent.EventThought || events[0].Text != "planning the fix" {
		t.Errorf("thinking event = %+v", events[0])
	}
	if events[1].Kind != agent.EventThought || events[1].Text != "I will edit the file" {
		t.Errorf("text event = %+v", events[1])
	}
	if events[2].Kind != agent.EventAction || events[2].Name != "Bash" {
		t.Errorf("action event = %+v", events[2])
	}
	if events[2].Detail != "go vet ./..." {
		t.Errorf("action detail = %q", events[2].Detail)
	}
}

func TestHandleLineToolResult(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"user","message":{"role":"user","content":[` +
			`{"type":"tool_result","tool_use_id":"tu1","content":"ok","is_error":false}]}}`,
	})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != agent.EventToolResult || ev.Output != "ok" || ev.IsError {
		t.Errorf("tool result event = %+v", ev)
	}
}

func TestHandleLineResult(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantKind agent.EventKind
		wantText string
	}{
		{
			name:     "string result",
			line:     `{"type":"result","result":"All done"}`,
			wantKind: agent.EventFinal,
			wantText: "All done",
		},
		{
			name:     "object result",
			line:     `{"type":"result","result":{"text":"Finished"}}`,
			wantKind: agent.EventFinal,
			wantText: "Finished",
		},
		{
			name:     "error result",
			line:     `{"type":"result","is_error":true,"result":"budget exceeded"}`,
			wantKind: agent.EventError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collectEvents(t, []string{tt.line})
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", events[0].Kind, tt.wantKind)
			}
			if tt.wantText != "" && events[0].Text != tt.wantText {
				t.Errorf("text = %q, want %q", events[0].Text, tt.wantText)
			}
		})
	}
}

func TestHandleLineSkipsMalformed(t *testing.T) {
	events := collectEvents(t, []string{
		`not json at all`,
		`{"type":"system","subtype":"init","session_id":"s"}`,
		`{"truncated`,
		`{"type":"result","result":"done"}`,
	})
	if len(events) != 2 {
		t.Fatalf("expected malformed lines skipped, got %d events", len(events))
	}
	if events[0].Kind != agent.EventInit || events[1].Kind != agent.EventFinal {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleLineIgnoresUnknownType(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"rate_limit_notice","retry_after":5}`,
	})
	if len(events) != 0 {
		t.Fatalf("expected unknown type ignored, got %+v", events)
	}
}

func TestBuildArgs(t *testing.T) {
	a := testAdapter(t)
	args := a.buildArgs(agent.StartRequest{
		Model:           "sonnet",
		ResumeSessionID: "prev-123",
		Policy: agent.PermissionPolicy{
			ApprovalMode: "acceptEdits",
			AllowedTools: []string{"Bash", "Edit"},
		},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--output-format stream-json",
		"--input-format stream-json",
		"--model sonnet",
		"--resume prev-123",
		"--permission-mode acceptEdits",
		"--allowedTools Bash,Edit",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestCapabilities(t *testing.T) {
	caps := testAdapter(t).Capabilities()
	if !caps.SupportsStreamingInput || !caps.Resumable || !caps.JSONStream {
		t.Errorf("capabilities = %+v", caps)
	}
}
