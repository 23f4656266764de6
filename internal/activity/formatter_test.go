package activity

import (
	"strings"
	"testing"

	"github.com/ceedaragents/cyrus-sub004/internal/platform"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

func TestFormatThought(t *testing.T) {
	f := NewFormatter()
	content, ok := f.FormatEvent(agent.Event{Kind: agent.EventThought, Text: "pondering"})
	if !ok {
		t.Fatal("thought should produce an activity")
	}
	if content.Type != platform.ActivityTypeThought || content.Body != "pondering" {
		t.Errorf("content = %+v", content)
	}
}

func TestFormatActionGetsWrenchPrefix(t *testing.T) {
	f := NewFormatter()
	content, ok := f.FormatEvent(agent.Event{
		Kind:   agent.EventAction,
		Name:   "Bash",
		Detail: "ls -la",
	})
	if !ok {
		t.Fatal("action should produce an activity")
	}
	if content.Action != "🛠️ Bash" || content.Parameter != "ls -la" {
		t.Errorf("content = %+v", content)
	}
}

func TestFormatFinal(t *testing.T) {
	f := NewFormatter()
	content, ok := f.FormatEvent(agent.Event{Kind: agent.EventFinal, Text: "Hello!"})
	if !ok {
		t.Fatal("final should produce an activity")
	}
	if content.Type != platform.ActivityTypeResponse || content.Body != "Hello!" {
		t.Errorf("content = %+v", content)
	}
}

func TestFormatErrorEvent(t *testing.T) {
	f := NewFormatter()
	content, ok := f.FormatEvent(agent.Event{Kind: agent.EventError, Message: "spawn failed"})
	if !ok {
		t.Fatal("error should produce an activity")
	}
	if content.Type != platform.ActivityTypeError || content.Body != "spawn failed" {
		t.Errorf("content = %+v", content)
	}
}

func TestInitAndExitProduceNothing(t *testing.T) {
	f := NewFormatter()
	if _, ok := f.FormatEvent(agent.Event{Kind: agent.EventInit, SessionID: "s"}); ok {
		t.Error("init should not produce an activity")
	}
	if _, ok := f.FormatEvent(agent.Event{Kind: agent.EventExit, Code: 0}); ok {
		t.Error("exit should not produce an activity")
	}
}

func TestConsecutiveDuplicatesDropped(t *testing.T) {
	f := NewFormatter()
	ev := agent.Event{Kind: agent.EventThought, Text: "same"}
	if _, ok := f.FormatEvent(ev); !ok {
		t.Fatal("first occurrence should pass")
	}
	if _, ok := f.FormatEvent(ev); ok {
		t.Error("duplicate should be dropped")
	}
	if _, ok := f.FormatEvent(agent.Event{Kind: agent.EventThought, Text: "different"}); !ok {
		t.Error("new content should pass")
	}
}

func TestToolResultFencedWithLanguageHint(t *testing.T) {
	f := NewFormatter()
	f.FormatEvent(agent.Event{Kind: agent.EventAction, Name: "Read", Detail: "main.go"})
	content, ok := f.FormatEvent(agent.Event{
		Kind:   agent.EventToolResult,
		Name:   "Read",
		Output: "package main",
	})
	if !ok {
		t.Fatal("tool result should produce an activity")
	}
	if content.Type != platform.ActivityTypeResponse {
		t.Errorf("type = %q", content.Type)
	}
	if !strings.Contains(content.Body, "```go\npackage main\n```") {
		t.Errorf("body = %q", content.Body)
	}
	if !strings.HasPrefix(content.Body, "Read result\n") {
		t.Errorf("body = %q", content.Body)
	}
}

func TestToolResultErrorBecomesErrorActivity(t *testing.T) {
	f := NewFormatter()
	content, ok := f.FormatEvent(agent.Event{
		Kind:    agent.EventToolResult,
		Name:    "Bash",
		Output:  "command not found",
		IsError: true,
	})
	if !ok {
		t.Fatal("failing tool result should produce an activity")
	}
	if content.Type != platform.ActivityTypeError {
		t.Errorf("type = %q", content.Type)
	}
	if !strings.Contains(content.Body, "```") {
		t.Errorf("output not fenced: %q", content.Body)
	}
}

func TestStripLineNumbers(t *testing.T) {
	in := "  1→package main\n  2→\n 10→func main() {}\nplain line"
	want := "package main\n\nfunc main() {}\nplain line"
	if got := StripLineNumbers(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLanguageHint(t *testing.T) {
	tests := []struct{ path, want string }{
		{"cmd/main.go", "go"},
		{"src/app.TS", "ts"},
		{"script.py", "py"},
		{"lib.rs", "rs"},
		{"notes.txt", ""},
		{"go test ./...", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := LanguageHint(tt.path); got != tt.want {
			t.Errorf("LanguageHint(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFormatRunnerFailure(t *testing.T) {
	content := FormatRunnerFailure("process exited unexpectedly", []string{"panic: boom", "goroutine 1"})
	if content.Type != platform.ActivityTypeError {
		t.Errorf("type = %q", content.Type)
	}
	if !strings.HasPrefix(content.Body, "process exited unexpectedly\n```\n") {
		t.Errorf("body = %q", content.Body)
	}
	if !strings.Contains(content.Body, "panic: boom\ngoroutine 1") {
		t.Errorf("stderr tail missing: %q", content.Body)
	}

	plain := FormatRunnerFailure("spawn failed", nil)
	if plain.Body != "spawn failed" {
		t.Errorf("body = %q", plain.Body)
	}
}
