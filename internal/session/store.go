package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

// SchemaVersion identifies the snapshot layout for persistence.
const SchemaVersion = 1

// State is a serializable deep copy of the store, suitable for persistence.
type State struct {
	SchemaVersion     int                        `json:"schemaVersion"`
	Sessions          map[string]Session         `json:"sessions"`
	RunnerSelections  map[string]RunnerSelection `json:"runnerSelections"`
	FinalizedSessions []string                   `json:"finalizedSessions"`
}

// Store owns all session records and their activity logs.
type Store struct {
	logger *logger.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	finalized map[string]bool
}

// NewStore creates an empty store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		logger:    log.WithFields(zap.String("component", "session-store")),
		sessions:  make(map[string]*Session),
		finalized: make(map[string]bool),
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	ID             string
	WorkItemID     string
	ConversationID string
	RepositoryID   string
	WorkspacePath  string
	Runner         RunnerSelection
	Prompt         string
}

// Create registers a new session with status pending.
func (s *Store) Create(p CreateParams) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[p.ID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, p.ID)
	}

	sess := &Session{
		ID:             p.ID,
		WorkItemID:     p.WorkItemID,
		ConversationID: p.ConversationID,
		RepositoryID:   p.RepositoryID,
		WorkspacePath:  p.WorkspacePath,
		Runner:         p.Runner,
		Status:         StatusPending,
		Prompt:         p.Prompt,
		StartedAt:      time.Now().UTC(),
		Activities:     []Activity{},
	}
	s.sessions[p.ID] = sess

	s.logger.Info("session created",
		zap.String("session_id", p.ID),
		zap.String("repository_id", p.RepositoryID),
		zap.String("flavor", p.Runner.Flavor))

	return sess.clone(), nil
}

// Get returns a deep copy of the session, if present.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Append adds an activity to the session log, assigning its ordinal and
// timestamp. A trailing ephemeral activity is removed atomically before the
// append, so the log never holds both a placeholder and its successor.
func (s *Store) Append(id string, act Activity, ephemeral bool) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}

	if n := len(sess.Activities); n > 0 && sess.Activities[n-1].Ephemeral {
		sess.Activities = sess.Activities[:n-1]
	}

	act.SessionID = id
	act.Ordinal = s.nextOrdinalLocked(sess)
	act.Timestamp = time.Now().UTC()
	act.Ephemeral = ephemeral
	sess.Activities = append(sess.Activities, act)

	return act, nil
}

// nextOrdinalLocked keeps ordinals monotonically increasing even when a
// replaced ephemeral activity held the previous maximum.
func (s *Store) nextOrdinalLocked(sess *Session) int {
	next := 1
	if n := len(sess.Activities); n > 0 {
		next = sess.Activities[n-1].Ordinal + 1
	}
	if sess.LastPersistedOrdinal >= next {
		next = sess.LastPersistedOrdinal + 1
	}
	return next
}

// SetStatus moves the session through its lifecycle, enforcing the legal
// transition table. Terminal statuses record the end timestamp.
func (s *Store) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	if sess.Status == status {
		return nil
	}
	if !transitionAllowed(sess.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.Status, status)
	}

	s.logger.Debug("session status",
		zap.String("session_id", id),
		zap.String("from", string(sess.Status)),
		zap.String("to", string(status)))

	sess.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		sess.EndedAt = &now
		// A placeholder that was never superseded does not survive the session.
		if n := len(sess.Activities); n > 0 && sess.Activities[n-1].Ephemeral {
			sess.Activities = sess.Activities[:n-1]
		}
	}
	return nil
}

// SetRunnerSessionID records the CLI-assigned session id from the init event.
func (s *Store) SetRunnerSessionID(id, runnerSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	sess.RunnerSessionID = runnerSessionID
	return nil
}

// SetRunnerSelection records the flavor and model chosen for the session.
func (s *Store) SetRunnerSelection(id string, sel RunnerSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	sess.Runner = sel
	return nil
}

// SetPrompt replaces the accumulated prompt, used when a respawn extends the
// conversation context.
func (s *Store) SetPrompt(id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	sess.Prompt = prompt
	return nil
}

// SetWorkspacePath records the provisioned workspace. The path is stable for
// the session's lifetime; later calls with a different path are rejected.
func (s *Store) SetWorkspacePath(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	if sess.WorkspacePath != "" && sess.WorkspacePath != path {
		return fmt.Errorf("workspace path already set for session %s", id)
	}
	sess.WorkspacePath = path
	return nil
}

// Finalize marks the session as finished for audit purposes. The record is
// retained until garbage-collected by policy.
func (s *Store) Finalize(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	s.finalized[id] = true
	return nil
}

// IsFinalized reports whether the session has been finalized.
func (s *Store) IsFinalized(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized[id]
}

// Active returns deep copies of all non-finalized sessions in a non-terminal
// status.
func (s *Store) Active() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for id, sess := range s.sessions {
		if s.finalized[id] || sess.Status.Terminal() {
			continue
		}
		out = append(out, sess.clone())
	}
	return out
}

// Snapshot produces a serializable deep copy of the whole store.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{
		SchemaVersion:    SchemaVersion,
		Sessions:         make(map[string]Session, len(s.sessions)),
		RunnerSelections: make(map[string]RunnerSelection, len(s.sessions)),
	}
	for id, sess := range s.sessions {
		state.Sessions[id] = sess.clone()
		state.RunnerSelections[id] = sess.Runner
	}
	for id := range s.finalized {
		state.FinalizedSessions = append(state.FinalizedSessions, id)
	}
	return state
}

// MarkPersisted advances each session's sync cursor to the ordinal captured in
// the given snapshot. Called by the persistence manager after a successful
// write.
func (s *Store) MarkPersisted(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range state.Sessions {
		sess, ok := s.sessions[id]
		if !ok {
			continue
		}
		if n := len(snap.Activities); n > 0 {
			if ord := snap.Activities[n-1].Ordinal; ord > sess.LastPersistedOrdinal {
				sess.LastPersistedOrdinal = ord
			}
		}
	}
}

// Restore loads a persisted state into an empty store during crash recovery.
func (s *Store) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range state.Sessions {
		sess := snap.clone()
		s.sessions[id] = &sess
	}
	for _, id := range state.FinalizedSessions {
		s.finalized[id] = true
	}
	s.logger.Info("session state restored",
		zap.Int("sessions", len(state.Sessions)),
		zap.Int("finalized", len(state.FinalizedSessions)))
}
