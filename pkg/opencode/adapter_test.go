package opencode

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

func TestFullRun(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"init","sessionId":"oc-1","model":"big-model"}`,
		`{"type":"message","text":"looking at the failing test"}`,
		`{"type":"tool","tool":"edit","input":{"file_path":"main.go"},"output":"edited"}`,
		`{"type":"done","text":"fixed"}`,
	})
	kinds := []agent.EventKind{
		agent.EventInit, agent.EventThought,
		agent.EventAction, agent.EventToolResult,
		agent.EventFinal,
	}
	if len(events) != len(kinds) {
		t.Fatalf("events = %+v", events)
	}
	for i, want := range kinds {
		if events[i].Kind != want {
			t.Errorf("event %d kind = %q, want %q", i, events[i].Kind, want)
		}
	}
	if events[2].Detail != "main.go" {
		t.Errorf("action detail = %q", events[2].Detail)
	}
	if events[4].Text != "fixed" {
		t.Errorf("final text = %q", events[4].Text)
	}
}

func TestFailedTool(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"tool","tool":"bash","input":{"command":"false"},"failed":true}`,
	})
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if !events[1].IsError {
		t.Errorf("tool result should be an error: %+v", events[1])
	}
}

func TestErrorLine(t *testing.T) {
	events := collectEvents(t, []string{
		`{"type":"error","message":"model refused"}`,
	})
	if len(events) != 1 || events[0].Kind != agent.EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Message != "model refused" {
		t.Errorf("message = %q", events[0].Message)
	}
}

func TestMalformedAndUnknownLines(t *testing.T) {
	events := collectEvents(t, []string{
		`{{{`,
		`{"type":"metrics","tokens":120}`,
		`{"type":"init","sessionId":"s"}`,
	})
	if len(events) != 1 || events[0].Kind != agent.EventInit {
		t.Fatalf("events = %+v", events)
	}
}

func TestBuildArgs(t *testing.T) {
	a := testAdapter(t)
	args := a.buildArgs(agent.StartRequest{Prompt: "do the thing", Model: "gpt-x"})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "run --format json") {
		t.Errorf("args = %v", args)
	}
	if !strings.Contains(joined, "--model gpt-x") {
		t.Errorf("args missing model: %v", args)
	}
	if args[len(args)-1] != "do the thing" {
		t.Errorf("prompt should be the last argument: %v", args)
	}
}

func TestNoStreamingNoResume(t *testing.T) {
	a := testAdapter(t)
	caps := a.Capabilities()
	if caps.SupportsStreamingInput || caps.Resumable {
		t.Errorf("capabilities = %+v", caps)
	}
	if err := a.AddStreamMessage("hi"); err != agent.ErrNotStreaming {
		t.Errorf("err = %v, want ErrNotStreaming", err)
	}
}
