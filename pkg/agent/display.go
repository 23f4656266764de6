package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxDetailLen caps the rendered display form of unknown tool parameters.
const maxDetailLen = 500

// TodoItem is one entry in an agent todo list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// ToolDetail renders tool parameters to a compact display form. Known tools
// show their most meaningful parameter; unknown tools fall back to a trimmed
// JSON serialization.
func ToolDetail(name string, input map[string]any) string {
	switch normalizeToolName(name) {
	case "bash", "shell", "command":
		if cmd := stringParam(input, "command", "cmd"); cmd != "" {
			return cmd
		}
	case "read", "write", "edit", "file":
		if path := stringParam(input, "file_path", "path", "filePath"); path != "" {
			return path
		}
	case "grep", "glob", "search":
		pattern := stringParam(input, "pattern", "query")
		path := stringParam(input, "path", "dir")
		switch {
		case pattern != "" && path != "":
			return fmt.Sprintf("%s in %s", pattern, path)
		case pattern != "":
			return pattern
		}
	case "todowrite", "todo", "todo_list":
		if detail := todoDetail(input); detail != "" {
			return detail
		}
	case "websearch", "web_search":
		if q := stringParam(input, "query"); q != "" {
			return q
		}
	case "webfetch", "web_fetch", "fetch":
		if u := stringParam(input, "url"); u != "" {
			return u
		}
	}

	return trimmedJSON(input)
}

// RenderTodoList renders todo items as an emoji checklist, one line per item.
func RenderTodoList(items []TodoItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(todoEmoji(item.Status))
		b.WriteByte(' ')
		b.WriteString(item.Content)
	}
	return b.String()
}

func todoEmoji(status string) string {
	switch status {
	case "completed":
		return "✅"
	case "in_progress":
		return "🔄"
	default:
		return "⏳"
	}
}

func todoDetail(input map[string]any) string {
	raw, ok := input["todos"]
	if !ok {
		return ""
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return ""
	}
	return RenderTodoList(items)
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func stringParam(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func trimmedJSON(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > maxDetailLen {
		s = s[:maxDetailLen] + "…"
	}
	return s
}
