// Package session maintains the in-memory records of agent sessions: identity,
// status, and the totally ordered activity log. The store is the single owner
// of session records; callers receive deep copies.
package session

import (
	"errors"
	"time"
)

// Store errors.
var (
	ErrDuplicateSession  = errors.New("session already exists")
	ErrNoSuchSession     = errors.New("no such session")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusAwaitingInput Status = "awaiting_input"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// legalTransitions maps each status to the statuses it may move to.
var legalTransitions = map[Status][]Status{
	StatusPending:       {StatusActive, StatusComplete, StatusError},
	StatusActive:        {StatusAwaitingInput, StatusComplete, StatusError},
	StatusAwaitingInput: {StatusActive, StatusComplete, StatusError},
	StatusComplete:      {},
	StatusError:         {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActivityKind classifies one activity log entry.
type ActivityKind string

const (
	ActivityThought     ActivityKind = "thought"
	ActivityAction      ActivityKind = "action"
	ActivityResponse    ActivityKind = "response"
	ActivityError       ActivityKind = "error"
	ActivityElicitation ActivityKind = "elicitation"
)

// Activity is one durable, ordered entry in a session's log. Ordinal and
// Timestamp are assigned by the store on append.
type Activity struct {
	SessionID string       `json:"sessionId"`
	Ordinal   int          `json:"ordinal"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      ActivityKind `json:"kind"`

	Body string `json:"body,omitempty"`

	// For action activities
	Action    string `json:"action,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Result    string `json:"result,omitempty"`

	// Ephemeral marks a trailing placeholder that the next append replaces.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// RunnerSelection records the flavor and model chosen for a session.
type RunnerSelection struct {
	Flavor string `json:"flavor"`
	Model  string `json:"model,omitempty"`
}

// Session is the central record: one agent engagement on one conversation.
type Session struct {
	ID             string `json:"id"`
	WorkItemID     string `json:"workItemId"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID   string `json:"repositoryId"`
	WorkspacePath  string `json:"workspacePath,omitempty"`

	Runner RunnerSelection `json:"runner"`
	Status Status          `json:"status"`

	// Prompt is the accumulated prompt text; respawns extend it with a turn
	// separator so non-streaming flavors keep conversation context.
	Prompt string `json:"prompt,omitempty"`

	// RunnerSessionID is the id the CLI assigned on init, used for resume.
	RunnerSessionID string `json:"runnerSessionId,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Activities []Activity `json:"activities"`

	// LastPersistedOrdinal is the sync cursor advanced by the persistence
	// manager after each successful write.
	LastPersistedOrdinal int `json:"lastPersistedOrdinal"`
}

// clone returns a deep copy safe to hand outside the store.
func (s *Session) clone() Session {
	out := *s
	out.Activities = make([]Activity, len(s.Activities))
	copy(out.Activities, s.Activities)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}
