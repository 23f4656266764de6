package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

// stderrTailLines is how many trailing stderr lines are retained for error
// activities.
const stderrTailLines = 20

// Proc manages one runner subprocess and its stdio streams. Adapters share it
// so the scan loop, stderr capture and stop escalation behave identically
// across flavors.
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	stderrMu   sync.Mutex
	stderrTail []string

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	exited   chan struct{}
}

// ProcSpec describes the subprocess to launch.
type ProcSpec struct {
	Binary     string
	Args       []string
	WorkingDir string
	Env        []string // appended to the inherited environment
}

// StartProc launches the subprocess with piped stdio. The returned error wraps
// ErrSpawnFailed when the binary cannot be started.
func StartProc(spec ProcSpec, log *logger.Logger) (*Proc, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Binary, err)
	}

	p := &Proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: log,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.collectStderr(stderr)

	log.Debug("runner subprocess started",
		zap.String("binary", spec.Binary),
		zap.Int("pid", cmd.Process.Pid))

	return p, nil
}

// Scan reads stdout line by line, invoking onLine for each non-empty line.
// It returns when stdout is exhausted (subprocess exit or pipe close).
func (p *Proc) Scan(onLine func(line []byte)) {
	scanner := bufio.NewScanner(p.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-p.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}

	if err := scanner.Err(); err != nil {
		p.logger.Error("runner stdout read error", zap.Error(err))
	}
}

// Wait blocks until the subprocess exits and returns its exit code.
func (p *Proc) Wait() int {
	err := p.cmd.Wait()
	close(p.exited)
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	// Pipe or wait failures without an exit status
	p.logger.Warn("runner wait error", zap.Error(err))
	return -1
}

// WriteLine marshals v and writes it to the subprocess stdin followed by a
// newline.
func (p *Proc) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// CloseStdin closes the subprocess stdin, signalling end of input.
func (p *Proc) CloseStdin() error {
	return p.stdin.Close()
}

// Stop terminates the subprocess: SIGTERM first, then SIGKILL after the grace
// period if it has not exited. Idempotent.
func (p *Proc) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.done)

		if p.cmd.Process == nil {
			return
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Process already gone
			return
		}

		select {
		case <-p.exited:
		case <-time.After(grace):
			p.logger.Warn("runner did not exit within grace period, killing",
				zap.Duration("grace", grace))
			p.stopErr = p.cmd.Process.Kill()
		}
	})
	return p.stopErr
}

// StderrTail returns the last captured stderr lines, oldest first.
func (p *Proc) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	tail := make([]string, len(p.stderrTail))
	copy(tail, p.stderrTail)
	return tail
}

func (p *Proc) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
		}
		p.stderrMu.Unlock()
	}
}
