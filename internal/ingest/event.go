// Package ingest terminates the inbound webhook transport: it verifies
// request authenticity, normalizes platform payloads into inbound events, and
// publishes them on the event bus for the dispatcher.
package ingest

import "time"

// EventKind is the normalized inbound event family.
type EventKind string

const (
	KindIssueAssigned        EventKind = "IssueAssigned"
	KindNewComment           EventKind = "NewComment"
	KindCommentMention       EventKind = "CommentMention"
	KindAgentSessionCreated  EventKind = "AgentSessionCreated"
	KindAgentSessionPrompted EventKind = "AgentSessionPrompted"
)

// Signal values carried on AgentSessionPrompted events.
const (
	SignalContinue = "continue"
	SignalStop     = "stop"
	SignalSelect   = "select"
	SignalAuth     = "auth"
)

// WorkItem is the inbound view of an issue.
type WorkItem struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	TeamKey     string   `json:"teamKey"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Conversation is the inbound view of a comment thread entry.
type Conversation struct {
	ID       string `json:"id"`
	Body     string `json:"body,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// SessionRef identifies the platform agent session an event targets.
type SessionRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Actor identifies who triggered the event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InboundEvent is the normalized shape the dispatcher consumes.
type InboundEvent struct {
	Kind         EventKind     `json:"kind"`
	WorkspaceID  string        `json:"workspaceId,omitempty"`
	WorkItem     WorkItem      `json:"workItem"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Session      *SessionRef   `json:"session,omitempty"`
	Actor        Actor         `json:"actor"`
	Signal       string        `json:"signal,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
