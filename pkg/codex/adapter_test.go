package codex

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

func TestThreadStarted(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"thread.started","thread_id":"th-9"}`,
	})
	if len(events) != 1 || events[0].Kind != agent.EventInit {
		t.Fatalf("events = %+v", events)
	}
	if events[0].SessionID != "th-9" {
		t.Errorf("session id = %q", events[0].SessionID)
	}
}

func TestItemsSurfaceOnCompletedOnly(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"item.started","item":{"id":"i1","item_type":"reasoning","text":"partial"}}`,
		`{"type":"item.updated","item":{"id":"i1","item_type":"reasoning","text":"more"}}`,
		`{"type":"item.completed","item":{"id":"i1","item_type":"reasoning","text":"thinking about the bug"}}`,
	})
	if len(events) != 1 {
		t.Fatalf("expected only completed item surfaced, got %+v", events)
	}
	if events[0].Kind != agent.EventThought || events[0].Text != "thinking about the bug" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestDuplicateCompletedItemDropped(t *testing.T) {
	line := `{"type":"item.completed","item":{"id":"i1","item_type":"reasoning","text":"once"}}`
	events := collectEvents(t, []string{line, line})
	if len(events) != 1 {
		t.Fatalf("duplicate item surfaced twice: %+v", events)
	}
}

func TestCommandExecution(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"item.completed","item":{"id":"c1","item_type":"command_execution","command":"go test ./...","aggregated_output":"ok","exit_code":0}}`,
	})
	if len(events) != 2 {
		t.Fatalf("expected action + tool_result, got %+v", events)
	}
	if events[0].Kind != agent.EventAction || events[0].Detail != "go test ./..." {
		t.Errorf("action = %+v", events[0])
	}
	if events[1].Kind != agent.EventToolResult || events[1].IsError {
		t.Errorf("tool result = %+v", events[1])
	}
}

func TestFailedCommandIsRecoverable(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"item.completed","item":{"id":"c2","item_type":"command_execution","command":"make lint","aggregated_output":"boom","exit_code":2}}`,
	})
	if len(events) != 3 {
		t.Fatalf("expected action + tool_result + error, got %+v", events)
	}
	if !events[1].IsError {
		t.Errorf("tool result should be an error: %+v", events[1])
	}
	last := events[2]
	if last.Kind != agent.EventError || !last.Recoverable {
		t.Errorf("error event = %+v", last)
	}
	if !strings.Contains(last.Message, "make lint") {
		t.Errorf("error message = %q", last.Message)
	}
}

func TestAgentMessagePromotedOnTurnCompleted(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"item.completed","item":{"id":"m1","item_type":"agent_message","text":"first draft"}}`,
		`{"type":"item.completed","item":{"id":"m2","item_type":"agent_message","text":"final answer"}}`,
		`{"type":"turn.completed"}`,
	})
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	final := events[2]
	if final.Kind != agent.EventFinal || final.Text != "final answer" {
		t.Errorf("final = %+v", final)
	}
}

func TestTurnFailed(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"turn.failed","error":{"message":"usage limit reached"}}`,
	})
	if len(events) != 1 || events[0].Kind != agent.EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Message != "usage limit reached" {
		t.Errorf("message = %q", events[0].Message)
	}
	if events[0].Recoverable {
		t.Error("turn failure must not be recoverable")
	}
}

func TestFileChangeAndTodoList(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"item.completed","item":{"id":"f1","item_type":"file_change","changes":[{"path":"main.go","kind":"update"},{"path":"new.go","kind":"add"}]}}`,
		`{"type":"item.completed","item":{"id":"t1","item_type":"todo_list","items":[{"text":"write tests","completed":true},{"text":"ship it","completed":false}]}}`,
	})
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Detail != "update main.go, add new.go" {
		t.Errorf("file change detail = %q", events[0].Detail)
	}
	if !strings.Contains(events[1].Detail, "✅ write tests") ||
		!strings.Contains(events[1].Detail, "⏳ ship it") {
		t.Errorf("todo detail = %q", events[1].Detail)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	events := collectEvents(t, []string{
		`garbage`,
		`{"type":"thread.started","thread_id":"th"}`,
	})
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestBuildArgsResume(t *testing.T) {
	a := testAdapter(t)
	args := a.buildArgs(agent.StartRequest{
		Prompt:          "fix the bug",
		Model:           "o4-mini",
		ResumeSessionID: "th-1",
		Policy:          agent.PermissionPolicy{SandboxLevel: "workspace-write", ApprovalMode: "never"},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"exec resume th-1",
		"--json",
		"--model o4-mini",
		"--sandbox workspace-write",
		"--full-auto",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "fix the bug" {
		t.Errorf("prompt should be the last argument: %v", args)
	}
}

func TestAddStreamMessageNotSupported(t *testing.T) {
	if err := testAdapter(t).AddStreamMessage("hi"); err != agent.ErrNotStreaming {
		t.Errorf("err = %v, want ErrNotStreaming", err)
	}
}
