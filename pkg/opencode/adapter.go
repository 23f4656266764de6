package opencode

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// DefaultBinary is the OpenCode CLI binary name.
const DefaultBinary = "opencode"

// Adapter runs one OpenCode CLI subprocess via `opencode run`. OpenCode has
// neither streaming stdin nor resume, so every turn is a fresh run.
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

// New creates an adapter for the OpenCode CLI.
func New(log *logger.Logger) agent.Adapter {
	return &Adapter{
		logger:  log.WithFields(zap.String("component", "opencode-adapter")),
		binary:  DefaultBinary,
		sawInit: make(chan struct{}),
	}
}

// Capabilities reports a plain one-shot JSON stream.
func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{JSONStream: true}
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

	_ = proc.CloseStdin()

	initTimer := time.AfterFunc(initTimeout, func() {
		select {
		case <-a.sawInit:
		default:
			a.logger.Warn("no init line within timeout, stopping runner",
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
		return fmt.Errorf("%w: no init line within %s", agent.ErrSpawnFailed, initTimeout)
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

// AddStreamMessage always fails: OpenCode has no streaming stdin.
func (a *Adapter) AddStreamMessage(string) error {
	return agent.ErrNotStreaming
}

func (a *Adapter) buildArgs(req agent.StartRequest) []string {
	args := []string{"run", "--format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)
	return args
}

func (a *Adapter) handleLine(raw []byte, onEvent agent.EventHandler) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		a.warnBadLine(raw, err)
		return
	}

	switch line.Type {
	case TypeInit:
		a.initOnce.Do(func() { close(a.sawInit) })
		onEvent(agent.Event{
			Kind:      agent.EventInit,
			SessionID: line.SessionID,
			Model:     line.Model,
		})
	case TypeMessage:
		if line.Text != "" {
			onEvent(agent.Event{Kind: agent.EventThought, Text: line.Text})
		}
	case TypeTool:
		onEvent(agent.Event{
			Kind:   agent.EventAction,
			Name:   line.Tool,
			Detail: agent.ToolDetail(line.Tool, line.Input),
		})
		if line.Output != "" || line.Failed {
			onEvent(agent.Event{
				Kind:    agent.EventToolResult,
				Name:    line.Tool,
				Output:  line.Output,
				IsError: line.Failed,
			})
		}
	case TypeDone:
		a.mu.Lock()
		a.sawFinal = true
		a.mu.Unlock()
		onEvent(agent.Event{Kind: agent.EventFinal, Text: line.Text})
	case TypeError:
		onEvent(agent.Event{Kind: agent.EventError, Message: line.Message})
	default:
		a.logger.Debug("ignoring line", zap.String("type", line.Type))
	}
}

func (a *Adapter) warnBadLine(raw []byte, err error) {
	a.mu.Lock()
	warned := a.badLine
	a.badLine = true
	a.mu.Unlock()
	if !warned {
		a.logger.Warn("skipping malformed runner line",
			zap.Error(err),
			zap.String("line", string(raw)))
	}
}
