// Package platform defines the outbound interface to the issue-tracking
// platform: issue and comment reads, agent activity writes. The dispatcher
// depends only on the Client interface; the HTTP implementation lives beside
// it.
package platform

import "context"

// Issue is a work item, read-only to the worker.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TeamKey     string   `json:"teamKey"`
	State       string   `json:"state,omitempty"`
	AssigneeID  string   `json:"assigneeId,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// Comment is one entry in an issue conversation.
type Comment struct {
	ID       string `json:"id"`
	IssueID  string `json:"issueId"`
	Body     string `json:"body"`
	ParentID string `json:"parentId,omitempty"`
	ActorID  string `json:"actorId,omitempty"`
}

// ActivityType classifies an outbound agent activity.
type ActivityType string

const (
	ActivityTypeThought     ActivityType = "thought"
	ActivityTypeAction      ActivityType = "action"
	ActivityTypeResponse    ActivityType = "response"
	ActivityTypeError       ActivityType = "error"
	ActivityTypeElicitation ActivityType = "elicitation"
)

// ActivityContent is the typed body of an outbound activity.
type ActivityContent struct {
	Type      ActivityType `json:"type"`
	Body      string       `json:"body,omitempty"`
	Action    string       `json:"action,omitempty"`
	Parameter string       `json:"parameter,omitempty"`
	Result    string       `json:"result,omitempty"`
}

// ActivityPayload is one outbound activity on an agent session.
type ActivityPayload struct {
	SessionID      string          `json:"sessionId"`
	Content        ActivityContent `json:"content"`
	Ephemeral      bool            `json:"ephemeral,omitempty"`
	Signal         string          `json:"signal,omitempty"`
	SignalMetadata map[string]any  `json:"signalMetadata,omitempty"`
}

// Client is the outbound platform surface the worker needs.
type Client interface {
	// CreateActivity posts one activity onto an agent session.
	CreateActivity(ctx context.Context, payload ActivityPayload) error

	// UpdateActivity replaces the content of an existing activity.
	UpdateActivity(ctx context.Context, activityID string, content ActivityContent) error

	// GetIssue fetches a work item by platform id.
	GetIssue(ctx context.Context, id string) (*Issue, error)

	// CreateComment posts a comment on an issue, optionally threaded under a
	// parent.
	CreateComment(ctx context.Context, issueID, body, parentID string) (*Comment, error)
}
