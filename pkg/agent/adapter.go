package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

// Adapter errors.
var (
	// ErrSpawnFailed indicates the runner binary could not be started.
	ErrSpawnFailed = errors.New("runner spawn failed")
	// ErrProtocolError indicates a persistently unparseable runner stream.
	ErrProtocolError = errors.New("runner protocol error")
	// ErrNonZeroExit indicates the runner subprocess exited with a non-zero code.
	ErrNonZeroExit = errors.New("runner exited non-zero")
	// ErrCancelled indicates the run was stopped before completion.
	ErrCancelled = errors.New("runner cancelled")
	// ErrNotStreaming indicates the flavor does not support streaming stdin.
	ErrNotStreaming = errors.New("runner does not support streaming input")
	// ErrUnknownFlavor indicates no adapter is registered for the flavor.
	ErrUnknownFlavor = errors.New("unknown runner flavor")
)

// Flavor identifies one agent CLI dialect.
type Flavor string

const (
	FlavorClaudeCode Flavor = "claudecode"
	FlavorCodex      Flavor = "codex"
	FlavorOpenCode   Flavor = "opencode"
)

// PermissionPolicy carries repository policy into the runner argv.
type PermissionPolicy struct {
	ApprovalMode    string   `json:"approvalMode,omitempty"` // e.g. "never", "on-request"
	SandboxLevel    string   `json:"sandboxLevel,omitempty"` // e.g. "workspace-write"
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
}

// StartRequest describes one runner launch.
type StartRequest struct {
	Prompt     string
	WorkingDir string
	Model      string
	Policy     PermissionPolicy
	// ResumeSessionID asks a resumable flavor to continue a prior runner session.
	ResumeSessionID string
	// InitTimeout bounds the wait for the init event. Zero uses DefaultInitTimeout.
	InitTimeout time.Duration
	// StopGrace bounds the graceful-exit wait before a forceful kill.
	// Zero uses DefaultStopGrace.
	StopGrace time.Duration
}

// Defaults for StartRequest timing fields.
const (
	DefaultInitTimeout = 30 * time.Second
	DefaultStopGrace   = 5 * time.Second
)

// Capabilities reports what a flavor can do.
type Capabilities struct {
	JSONStream             bool
	SupportsStreamingInput bool
	Resumable              bool
}

// Adapter presents a uniform streaming interface over one runner subprocess.
// An adapter instance spans exactly one subprocess lifetime.
type Adapter interface {
	// Start spawns the subprocess and translates its output into normalized
	// events, invoking onEvent in arrival order. It blocks until the
	// subprocess exits or Stop is called. The returned error wraps
	// ErrSpawnFailed, ErrProtocolError, ErrNonZeroExit or ErrCancelled.
	Start(req StartRequest, onEvent EventHandler) error

	// Stop sends a graceful termination signal, escalating to a kill after
	// the configured grace period. Idempotent.
	Stop() error

	// AddStreamMessage injects a user turn for flavors that support streaming
	// stdin. Returns ErrNotStreaming otherwise.
	AddStreamMessage(text string) error

	// Capabilities reports the flavor's abilities.
	Capabilities() Capabilities
}

// Factory constructs a fresh adapter. One adapter per runner launch.
type Factory func(log *logger.Logger) Adapter

// Registry maps runner flavors to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Flavor]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Flavor]Factory)}
}

// Register adds a factory for a flavor, replacing any existing one.
func (r *Registry) Register(flavor Flavor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[flavor] = factory
}

// New constructs an adapter for the flavor.
func (r *Registry) New(flavor Flavor, log *logger.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[flavor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavor, flavor)
	}
	return factory(log), nil
}

// Flavors returns the registered flavors in sorted order.
func (r *Registry) Flavors() []Flavor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flavors := make([]Flavor, 0, len(r.factories))
	for f := range r.factories {
		flavors = append(flavors, f)
	}
	sort.Slice(flavors, func(i, j int) bool { return flavors[i] < flavors[j] })
	return flavors
}
