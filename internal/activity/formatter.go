// Package activity converts normalized runner events into platform activity
// payloads with a consistent visual vocabulary: tool names get a wrench
// prefix, tool outputs get language-hinted code fences, and consecutive
// duplicates are dropped.
package activity

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ceedaragents/cyrus-sub004/internal/platform"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// actionPrefix marks tool invocations in the activity feed.
const actionPrefix = "🛠️ "

// languageHints maps file extensions to fence language tags.
var languageHints = map[string]string{
	".go":   "go",
	".ts":   "ts",
	".tsx":  "tsx",
	".js":   "js",
	".jsx":  "jsx",
	".py":   "py",
	".rs":   "rs",
	".rb":   "ruby",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".sh":   "bash",
	".sql":  "sql",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".md":   "markdown",
	".html": "html",
	".css":  "css",
}

// lineNumberPrefix matches read-file output prefixes like "  12→" or "3\t".
var lineNumberPrefix = regexp.MustCompile(`(?m)^\s*\d+(→|\t)`)

// Formatter turns one session's runner events into activity payloads. It keeps
// the last emitted content to drop consecutive duplicates, so one instance
// serves exactly one session.
type Formatter struct {
	last platform.ActivityContent
	// lastDetail remembers the most recent action detail, used to pick a
	// fence language for the following tool result.
	lastDetail string
}

// NewFormatter creates a formatter for one session.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent maps a normalized runner event to an activity payload. The
// second return is false when the event produces no activity (init, exit,
// consecutive duplicate).
func (f *Formatter) FormatEvent(ev agent.Event) (platform.ActivityContent, bool) {
	var content platform.ActivityContent

	switch ev.Kind {
	case agent.EventThought:
		content = platform.ActivityContent{
			Type: platform.ActivityTypeThought,
			Body: ev.Text,
		}
	case agent.EventAction:
		f.lastDetail = ev.Detail
		content = platform.ActivityContent{
			Type:      platform.ActivityTypeAction,
			Action:    actionPrefix + ev.Name,
			Parameter: ev.Detail,
		}
	case agent.EventToolResult:
		body := FenceOutput(ev.Output, f.lastDetail)
		if ev.IsError {
			content = platform.ActivityContent{
				Type: platform.ActivityTypeError,
				Body: body,
			}
		} else {
			content = platform.ActivityContent{
				Type: platform.ActivityTypeResponse,
				Body: fmt.Sprintf("%s result\n%s", ev.Name, body),
			}
		}
	case agent.EventFinal:
		content = platform.ActivityContent{
			Type: platform.ActivityTypeResponse,
			Body: ev.Text,
		}
	case agent.EventError:
		content = platform.ActivityContent{
			Type: platform.ActivityTypeError,
			Body: ev.Message,
		}
	default:
		// init and exit carry no user-visible content
		return platform.ActivityContent{}, false
	}

	if content == f.last {
		return platform.ActivityContent{}, false
	}
	f.last = content
	return content, true
}

// FormatRunnerFailure builds the error body shown when a runner dies without a
// final answer: a single-line cause followed by the last stderr lines fenced.
func FormatRunnerFailure(cause string, stderrTail []string) platform.ActivityContent {
	body := cause
	if len(stderrTail) > 0 {
		body = fmt.Sprintf("%s\n```\n%s\n```", cause, strings.Join(stderrTail, "\n"))
	}
	return platform.ActivityContent{
		Type: platform.ActivityTypeError,
		Body: body,
	}
}

// FenceOutput wraps tool output in a code fence, picking a language hint from
// the triggering action's detail when it names a recognized file, and
// stripping line-number prefixes left by read-file tools.
func FenceOutput(output, actionDetail string) string {
	if output == "" {
		return ""
	}
	output = StripLineNumbers(output)
	return fmt.Sprintf("```%s\n%s\n```", LanguageHint(actionDetail), output)
}

// LanguageHint returns the fence language tag for a path, or empty when the
// extension is not recognized.
func LanguageHint(path string) string {
	return languageHints[strings.ToLower(filepath.Ext(path))]
}

// StripLineNumbers removes read-file line-number prefixes from every line.
func StripLineNumbers(s string) string {
	return lineNumberPrefix.ReplaceAllString(s, "")
}
