// Package persistence makes session state crash-recoverable with two
// human-readable JSON files in the worker's state directory, written
// atomically and coalesced on a dirty timer. Finalized sessions additionally
// land in a sqlite archive for audit queries.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/session"
)

// State file names inside the state directory.
const (
	StateFileName      = "edge-worker-state.json"
	ActiveWorkFileName = "active-work.json"
)

// ErrPersistFailed is returned when a write keeps failing after retries.
var ErrPersistFailed = errors.New("persist failed")

// Write retry bounds.
const (
	maxWriteAttempts = 5
	baseRetryDelay   = 100 * time.Millisecond
)

// DefaultFlushInterval is the dirty-coalescing tick.
const DefaultFlushInterval = 500 * time.Millisecond

// ActiveWorkEntry describes one running session in active-work.json.
type ActiveWorkEntry struct {
	WorkItemID    string    `json:"workItemId"`
	WorkspacePath string    `json:"workspacePath"`
	RunnerFlavor  string    `json:"runnerFlavor"`
	StartedAt     time.Time `json:"startedAt"`
}

// ActiveWork is the persisted currently-running snapshot.
type ActiveWork struct {
	IsWorking      bool                       `json:"isWorking"`
	LastUpdated    int64                      `json:"lastUpdated"` // unix milliseconds
	ActiveSessions map[string]ActiveWorkEntry `json:"activeSessions"`
}

// BuildActiveWork derives the active-work document from live sessions.
func BuildActiveWork(sessions []session.Session) ActiveWork {
	work := ActiveWork{
		LastUpdated:    time.Now().UnixMilli(),
		ActiveSessions: make(map[string]ActiveWorkEntry, len(sessions)),
	}
	for _, s := range sessions {
		work.ActiveSessions[s.ID] = ActiveWorkEntry{
			WorkItemID:    s.WorkItemID,
			WorkspacePath: s.WorkspacePath,
			RunnerFlavor:  s.Runner.Flavor,
			StartedAt:     s.StartedAt,
		}
	}
	work.IsWorking = len(work.ActiveSessions) > 0
	return work
}

// SnapshotSource provides the latest state to persist. The manager calls it on
// its own cadence; it must not block on session work.
type SnapshotSource func() (session.State, ActiveWork)

// Manager owns the on-disk state files and is their sole writer.
type Manager struct {
	logger *logger.Logger
	dir    string

	flushInterval time.Duration
	source        SnapshotSource
	// onPersisted lets the session store advance its sync cursor.
	onPersisted func(session.State)

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewManager creates a manager writing into dir. A zero flushInterval uses the
// default.
func NewManager(dir string, flushInterval time.Duration, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Manager{
		logger:        log.WithFields(zap.String("component", "persistence")),
		dir:           dir,
		flushInterval: flushInterval,
		dirty:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}, nil
}

// SetSource wires the snapshot provider and the persisted callback.
func (m *Manager) SetSource(source SnapshotSource, onPersisted func(session.State)) {
	m.source = source
	m.onPersisted = onPersisted
}

// MarkDirty schedules a write on the next flush tick. Consecutive marks
// between ticks coalesce into one write.
func (m *Manager) MarkDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until the context is cancelled, then performs one
// final flush if dirty.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.flushIfDirty()
				close(m.done)
				return
			case <-ticker.C:
				m.flushIfDirty()
			}
		}
	}()
}

// Wait blocks until the flush loop has drained after cancellation.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) flushIfDirty() {
	select {
	case <-m.dirty:
	default:
		return
	}
	if m.source == nil {
		return
	}
	state, work := m.source()
	if err := m.Persist(state, work); err != nil {
		m.logger.Error("state persist failed", zap.Error(err))
		return
	}
	if m.onPersisted != nil {
		m.onPersisted(state)
	}
}

// Persist writes both state files atomically. Each write retries with
// exponential backoff before surfacing ErrPersistFailed.
func (m *Manager) Persist(state session.State, work ActiveWork) error {
	if err := m.writeJSON(filepath.Join(m.dir, StateFileName), state); err != nil {
		return err
	}
	return m.writeJSON(filepath.Join(m.dir, ActiveWorkFileName), work)
}

// Load reads both state files. Missing files yield empty state; unparseable or
// unknown-version files are quarantined with a .corrupt suffix and treated as
// empty.
func (m *Manager) Load() (session.State, ActiveWork, error) {
	state := session.State{
		SchemaVersion:    session.SchemaVersion,
		Sessions:         map[string]session.Session{},
		RunnerSelections: map[string]session.RunnerSelection{},
	}
	work := ActiveWork{ActiveSessions: map[string]ActiveWorkEntry{}}

	statePath := filepath.Join(m.dir, StateFileName)
	if ok := m.readJSON(statePath, &state); ok {
		if state.SchemaVersion != session.SchemaVersion {
			m.quarantine(statePath, fmt.Sprintf("unknown schema version %d", state.SchemaVersion))
			state = session.State{
				SchemaVersion:    session.SchemaVersion,
				Sessions:         map[string]session.Session{},
				RunnerSelections: map[string]session.RunnerSelection{},
			}
		}
	}

	m.readJSON(filepath.Join(m.dir, ActiveWorkFileName), &work)

	if state.Sessions == nil {
		state.Sessions = map[string]session.Session{}
	}
	if work.ActiveSessions == nil {
		work.ActiveSessions = map[string]ActiveWorkEntry{}
	}
	return state, work, nil
}

// readJSON reads path into v, quarantining a file that fails to parse.
// Returns true when the file existed and parsed.
func (m *Manager) readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("cannot read state file", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		m.quarantine(path, err.Error())
		return false
	}
	return true
}

func (m *Manager) quarantine(path, reason string) {
	corrupt := path + ".corrupt"
	if err := os.Rename(path, corrupt); err != nil {
		m.logger.Error("cannot quarantine corrupt state file",
			zap.String("path", path), zap.Error(err))
		return
	}
	m.logger.Warn("state file quarantined",
		zap.String("path", path),
		zap.String("moved_to", corrupt),
		zap.String("reason", reason))
}

func (m *Manager) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrPersistFailed, filepath.Base(path), err)
	}

	var lastErr error
	delay := baseRetryDelay
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if lastErr = writeFileAtomic(path, data); lastErr == nil {
			return nil
		}
		m.logger.Warn("state write failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistFailed, filepath.Base(path), lastErr)
}

// writeFileAtomic writes to a sibling temp file, fsyncs, then renames over the
// target so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
