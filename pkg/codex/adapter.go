package codex

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// DefaultBinary is the Codex CLI binary name.
const DefaultBinary = "codex"

// Adapter runs one Codex CLI subprocess via `codex exec --json`. The prompt is
// passed as an argument; Codex has no streaming stdin, so follow-ups respawn
// with `codex exec resume`.
type Adapter struct {
	logger *logger.Logger
	binary string

	mu       sync.Mutex
	proc     *agent.Proc
	stopped  bool
	grace    time.Duration
	sawFinal bool
	sawInit  chan struct{}
	initOnce sync.Once
	badLine  bool

	// emitted guards against duplicate item surfacing when the CLI re-sends
	// a completed item after a reconnect.
	emitted map[string]bool
	// lastMessage holds the most recent agent_message text; it becomes the
	// final event when the turn completes.
	lastMessage string
}

// New creates an adapter for the Codex CLI.
func New(log *logger.Logger) agent.Adapter {
	return &Adapter{
		logger:  log.WithFields(zap.String("component", "codex-adapter")),
		binary:  DefaultBinary,
		sawInit: make(chan struct{}),
		emitted: make(map[string]bool),
	}
}

// Capabilities reports resume support but no streaming input.
func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		JSONStream:             true,
		SupportsStreamingInput: false,
		Resumable:              true,
	}
}

// Start spawns the CLI and translates its stream until exit.
func (a *Adapter) Start(req agent.StartRequest, onEvent agent.EventHandler) error {
	args := a.buildArgs(req)

	grace := req.StopGrace
	if grace <= 0 {
		grace = agent.DefaultStopGrace
	}
	initTimeout := req.InitTimeout
	if initTimeout <= 0 {
		initTimeout = agent.DefaultInitTimeout
	}

	proc, err := agent.StartProc(agent.ProcSpec{
		Binary:     a.binary,
		Args:       args,
		WorkingDir: req.WorkingDir,
	}, a.logger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = proc.Stop(grace)
		return agent.ErrCancelled
	}
	a.proc = proc
	a.grace = grace
	a.mu.Unlock()

	// Prompt travels in argv; nothing goes over stdin.
	_ = proc.CloseStdin()

	initTimer := time.AfterFunc(initTimeout, func() {
		select {
		case <-a.sawInit:
		default:
			a.logger.Warn("no thread.started within timeout, stopping runner",
				zap.Duration("timeout", initTimeout))
			_ = proc.Stop(grace)
		}
	})
	defer initTimer.Stop()

	proc.Scan(func(line []byte) {
		a.handleLine(line, onEvent)
	})

	code := proc.Wait()
	onEvent(agent.Event{Kind: agent.EventExit, Code: code})

	a.mu.Lock()
	stopped := a.stopped
	sawFinal := a.sawFinal
	a.mu.Unlock()

	if stopped {
		return agent.ErrCancelled
	}
	select {
	case <-a.sawInit:
	default:
		return fmt.Errorf("%w: no thread.started within %s", agent.ErrSpawnFailed, initTimeout)
	}
	if code != 0 {
		if !sawFinal {
			onEvent(agent.Event{
				Kind:    agent.EventError,
				Message: "process exited unexpectedly",
			})
		}
		return fmt.Errorf("%w: exit code %d", agent.ErrNonZeroExit, code)
	}
	return nil
}

// Stop terminates the subprocess. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.stopped = true
	proc := a.proc
	grace := a.grace
	a.mu.Unlock()

	if proc == nil {
		return nil
	}
	if grace <= 0 {
		grace = agent.DefaultStopGrace
	}
	return proc.Stop(grace)
}

// StderrTail returns the last captured stderr lines for error reporting.
func (a *Adapter) StderrTail() []string {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.StderrTail()
}

// AddStreamMessage always fails: Codex has no streaming stdin.
func (a *Adapter) AddStreamMessage(string) error {
	return agent.ErrNotStreaming
}

func (a *Adapter) buildArgs(req agent.StartRequest) []string {
	args := []string{"exec"}
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Policy.SandboxLevel != "" {
		args = append(args, "--sandbox", req.Policy.SandboxLevel)
	}
	if req.Policy.ApprovalMode == "never" {
		args = append(args, "--full-auto")
	}
	args = append(args, req.Prompt)
	return args
}

func (a *Adapter) handleLine(line []byte, onEvent agent.EventHandler) {
	var ev ThreadEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		a.warnBadLine(line, err)
		return
	}

	switch ev.Type {
	case EventThreadStarted:
		a.initOnce.Do(func() { close(a.sawInit) })
		onEvent(agent.Event{Kind: agent.EventInit, SessionID: ev.ThreadID})
	case EventItemCompleted:
		a.handleItem(ev.Item, onEvent)
	case EventTurnCompleted:
		a.mu.Lock()
		text := a.lastMessage
		a.sawFinal = true
		a.mu.Unlock()
		onEvent(agent.Event{Kind: agent.EventFinal, Text: text})
	case EventTurnFailed:
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		onEvent(agent.Event{Kind: agent.EventError, Message: msg})
	case EventError:
		msg := "runner error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		onEvent(agent.Event{Kind: agent.EventError, Message: msg})
	case EventItemStarted, EventItemUpdated, EventTurnStarted:
		// Items surface only once completed.
	default:
		a.logger.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

func (a *Adapter) handleItem(item *Item, onEvent agent.EventHandler) {
	if item == nil {
		return
	}
	if item.ID != "" {
		a.mu.Lock()
		seen := a.emitted[item.ID]
		a.emitted[item.ID] = true
		a.mu.Unlock()
		if seen {
			return
		}
	}

	switch item.ItemType {
	case ItemReasoning:
		if item.Text != "" {
			onEvent(agent.Event{Kind: agent.EventThought, Text: item.Text})
		}
	case ItemAgentMessage:
		// Intermediate messages read as commentary; the last one is promoted
		// to the final answer on turn.completed.
		a.mu.Lock()
		a.lastMessage = item.Text
		a.mu.Unlock()
		if item.Text != "" {
			onEvent(agent.Event{Kind: agent.EventThought, Text: item.Text})
		}
	case ItemCommandExecution:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   "command",
			Detail: item.Command,
		})
		if item.AggregatedOutput != "" || item.Failed() {
			onEvent(agent.Event{
				Kind:    agent.EventToolResult,
				Name:    "command",
				Output:  item.AggregatedOutput,
				IsError: item.Failed(),
			})
		}
		if item.Failed() {
			onEvent(agent.Event{
				Kind:        agent.EventError,
				Message:     fmt.Sprintf("command exited with code %d: %s", *item.ExitCode, item.Command),
				Recoverable: true,
			})
		}
	case ItemFileChange:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   "file_change",
			Detail: item.ChangeSummary(),
		})
	case ItemMCPToolCall:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   fmt.Sprintf("%s.%s", item.Server, item.Tool),
			Detail: item.Status,
		})
	case ItemWebSearch:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   "web_search",
			Detail: item.Query,
		})
	case ItemTodoList:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   "todo_list",
			Detail: item.TodoChecklist(),
		})
	case ItemError:
		onEvent(agent.Event{
			Kind:        agent.EventError,
			Message:     item.Text,
			Recoverable: true,
		})
	default:
		a.logger.Debug("ignoring item", zap.String("item_type", item.ItemType))
	}
}

func (a *Adapter) warnBadLine(line []byte, err error) {
	a.mu.Lock()
	warned := a.badLine
	a.badLine = true
	a.mu.Unlock()
	if !warned {
		a.logger.Warn("skipping malformed runner line",
			zap.Error(err),
			zap.String("line", string(line)))
	}
}
