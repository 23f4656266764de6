// Package opencode adapts the OpenCode CLI line-JSON protocol to the
// normalized runner event vocabulary. OpenCode emits flat typed lines
// (init/message/tool/done/error) and takes its prompt as an argument.
package opencode

// Line types from `opencode run --format json`.
const (
	TypeInit    = "init"
	TypeMessage = "message"
	TypeTool    = "tool"
	TypeDone    = "done"
	TypeError   = "error"
)

// Line represents one stdout line from the OpenCode CLI. The type determines
// which fields are populated.
type Line struct {
	Type string `json:"type"`

	// init
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`

	// message and done
	Text string `json:"text,omitempty"`

	// tool
	Tool   string         `json:"tool,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Failed bool           `json:"failed,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
