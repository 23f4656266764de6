// Package agent defines the normalized runner event vocabulary and the
// adapter contract shared by all agent CLI flavors. Each flavor package
// (claudecode, codex, opencode) translates its own line-delimited JSON dialect
// into this vocabulary; nothing downstream of an adapter sees dialect types.
package agent

// EventKind identifies a normalized runner event.
type EventKind string

const (
	// EventInit is emitted at most once per run, always first. Carries the
	// runner-assigned session id and the model in use.
	EventInit EventKind = "init"
	// EventThought is free-form agent reasoning or commentary.
	EventThought EventKind = "thought"
	// EventAction is a tool invocation with a pre-formatted display detail.
	EventAction EventKind = "action"
	// EventToolResult is an optional follow-up when the flavor reports tool
	// results separately from the invocation.
	EventToolResult EventKind = "tool_result"
	// EventFinal is the agent's natural-language answer for the turn; at most
	// one per turn.
	EventFinal EventKind = "final"
	// EventError is an unrecoverable issue ending the turn, or a non-fatal
	// command failure when Recoverable is set.
	EventError EventKind = "error"
	// EventExit is the terminal event, always last.
	EventExit EventKind = "exit"
)

// Event is a normalized runner event. The Kind determines which fields are
// populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// For init events
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`

	// For thought and final events
	Text string `json:"text,omitempty"`

	// For action and tool_result events
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
	Output string `json:"output,omitempty"`
	// IsError marks a tool_result that reports a failure.
	IsError bool `json:"isError,omitempty"`

	// For error events
	Message string `json:"message,omitempty"`
	// Recoverable distinguishes a failing command observed mid-run from an
	// error that ends the turn.
	Recoverable bool `json:"recoverable,omitempty"`

	// For exit events
	Code int `json:"code,omitempty"`
}

// EventHandler receives normalized events in arrival order. An adapter never
// invokes it concurrently for one run.
type EventHandler func(Event)
