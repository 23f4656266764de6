package claudecode

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// DefaultBinary is the Claude Code CLI binary name.
const DefaultBinary = "claude"

// Adapter runs one Claude Code CLI subprocess in stream-json mode.
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
}

// New creates an adapter for the Claude Code CLI.
func New(log *logger.Logger) agent.Adapter {
	return &Adapter{
		logger:  log.WithFields(zap.String("component", "claudecode-adapter")),
		binary:  DefaultBinary,
		sawInit: make(chan struct{}),
	}
}

// Capabilities reports streaming-input and resume support.
func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		JSONStream:             true,
		SupportsStreamingInput: true,
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

	// The initial prompt goes in as a stream-json user turn; stdin stays open
	// for follow-up messages.
	if err := proc.WriteLine(NewUserMessage(req.Prompt)); err != nil {
		_ = proc.Stop(grace)
		return fmt.Errorf("%w: writing initial prompt: %v", agent.ErrSpawnFailed, err)
	}

	// Bounded wait for the init event
	initTimer := time.AfterFunc(initTimeout, func() {
		select {
		case <-a.sawInit:
		default:
			a.logger.Warn("no init event within timeout, stopping runner",
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
		return fmt.Errorf("%w: no init event within %s", agent.ErrSpawnFailed, initTimeout)
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

// AddStreamMessage injects a user turn over stdin.
func (a *Adapter) AddStreamMessage(text string) error {
	a.mu.Lock()
	proc := a.proc
	stopped := a.stopped
	a.mu.Unlock()

	if proc == nil || stopped {
		return fmt.Errorf("runner not running")
	}
	return proc.WriteLine(NewUserMessage(text))
}

func (a *Adapter) buildArgs(req agent.StartRequest) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Policy.ApprovalMode != "" {
		args = append(args, "--permission-mode", req.Policy.ApprovalMode)
	}
	if len(req.Policy.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Policy.AllowedTools, ","))
	}
	if len(req.Policy.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.Policy.DisallowedTools, ","))
	}
	return args
}

func (a *Adapter) handleLine(line []byte, onEvent agent.EventHandler) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		a.warnBadLine(line, err)
		return
	}

	switch msg.Type {
	case MessageTypeSystem:
		if msg.Subtype == SubtypeInit {
			a.initOnce.Do(func() { close(a.sawInit) })
			onEvent(agent.Event{
				Kind:      agent.EventInit,
				SessionID: msg.SessionID,
				Model:     msg.Model,
			})
		}
	case MessageTypeAssistant:
		a.handleAssistant(msg.Message, onEvent)
	case MessageTypeUser:
		a.handleToolResults(msg.Message, onEvent)
	case MessageTypeResult:
		if msg.IsError {
			onEvent(agent.Event{
				Kind:    agent.EventError,
				Message: msg.ResultText(),
			})
			return
		}
		a.mu.Lock()
		a.sawFinal = true
		a.mu.Unlock()
		onEvent(agent.Event{Kind: agent.EventFinal, Text: msg.ResultText()})
	default:
		a.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
}

func (a *Adapter) handleAssistant(msg *TranscriptMessage, onEvent agent.EventHandler) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "thinking":
			if block.Thinking != "" {
				onEvent(agent.Event{Kind: agent.EventThought, Text: block.Thinking})
			}
		case "text":
			if block.Text != "" {
				onEvent(agent.Event{Kind: agent.EventThought, Text: block.Text})
			}
		case "tool_use":
			onEvent(agent.Event{
				Kind:   agent.EventAction,
				Name:   block.Name,
				Detail: agent.ToolDetail(block.Name, block.Input),
			})
		}
	}
}

func (a *Adapter) handleToolResults(msg *TranscriptMessage, onEvent agent.EventHandler) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		onEvent(agent.Event{
			Kind:    agent.EventToolResult,
			Name:    block.ToolUseID,
			Output:  block.ContentText(),
			IsError: block.IsError,
		})
	}
}

// warnBadLine logs the first malformed line per run; later ones are dropped
// silently so a chatty subprocess cannot flood the log.
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
