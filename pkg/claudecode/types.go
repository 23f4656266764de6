// Package claudecode adapts the Claude Code CLI stream-json protocol to the
// normalized runner event vocabulary. Claude Code emits flat line-delimited
// JSON messages (system/assistant/user/result) on stdout and accepts user
// turns as stream-json on stdin.
package claudecode

import "encoding/json"

// Message types from the Claude Code CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks back through the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// CLIMessage represents one line from the Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user messages
	Message *TranscriptMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string or an object.
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	NumTurns   int   `json:"num_turns,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// TranscriptMessage contains the content blocks of an assistant or user turn.
type TranscriptMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock represents a block of content in a transcript message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText returns the Result field as plain text, handling both the string
// and object forms the CLI emits.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ContentText returns a tool_result block's content as plain text. The CLI
// emits either a string or an array of typed text parts.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var out []string
		for _, p := range parts {
			if p.Text != "" {
				out = append(out, p.Text)
			}
		}
		if len(out) > 0 {
			return joinLines(out)
		}
	}
	return ""
}

func joinLines(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

// UserMessage is sent on stdin to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds a stream-json user turn.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}
