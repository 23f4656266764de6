// Package codex adapts the Codex CLI experimental JSON protocol to the
// normalized runner event vocabulary. Codex emits thread and turn lifecycle
// events plus item.started/item.completed pairs; items are only surfaced once
// they complete.
package codex

import (
	"fmt"
	"strings"

	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// Event types from `codex exec --json`.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item types.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// ThreadEvent represents one line from the Codex CLI stdout.
type ThreadEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     *Item  `json:"item,omitempty"`
	Error    *Error `json:"error,omitempty"`
}

// Error carries failure details on turn.failed and error events.
type Error struct {
	Message string `json:"message"`
}

// Item is one unit of agent work. ItemType determines which fields are set.
type Item struct {
	ID       string `json:"id"`
	ItemType string `json:"item_type"`

	// agent_message, reasoning, error
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`

	// file_change
	Changes []FileChange `json:"changes,omitempty"`

	// mcp_tool_call
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// todo_list
	Items []TodoItem `json:"items,omitempty"`
}

// FileChange is one patched file within a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // add, delete, update
}

// TodoItem is one entry in a todo_list item.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ChangeSummary renders a file_change item's paths for display.
func (i *Item) ChangeSummary() string {
	parts := make([]string, 0, len(i.Changes))
	for _, c := range i.Changes {
		if c.Kind != "" {
			parts = append(parts, fmt.Sprintf("%s %s", c.Kind, c.Path))
		} else {
			parts = append(parts, c.Path)
		}
	}
	return strings.Join(parts, ", ")
}

// TodoChecklist renders a todo_list item as an emoji checklist.
func (i *Item) TodoChecklist() string {
	items := make([]agent.TodoItem, 0, len(i.Items))
	for _, t := range i.Items {
		status := "pending"
		if t.Completed {
			status = "completed"
		}
		items = append(items, agent.TodoItem{Content: t.Text, Status: status})
	}
	return agent.RenderTodoList(items)
}

// Failed reports whether a command_execution item ended with a non-zero exit.
func (i *Item) Failed() bool {
	return i.ExitCode != nil && *i.ExitCode != 0
}
