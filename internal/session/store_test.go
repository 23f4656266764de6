package session

import (
	"errors"
	"testing"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewStore(log)
}

func mustCreate(t *testing.T, s *Store, id string) Session {
	t.Helper()
	sess, err := s.Create(CreateParams{
		ID:           id,
		WorkItemID:   "work-1",
		RepositoryID: "repo-1",
		Runner:       RunnerSelection{Flavor: "claudecode", Model: "opus"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, "s1")
	if created.Status != StatusPending {
		t.Errorf("status = %q, want pending", created.Status)
	}

	got, ok := s.Get("s1")
	if !ok {
		t.Fatal("session not found")
	}
	if got.ID != "s1" || got.Runner.Flavor != "claudecode" {
		t.Errorf("got %+v", got)
	}

	if _, ok := s.Get("nope"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	_, err := s.Create(CreateParams{ID: "s1"})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestAppendAssignsOrdinals(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")

	a1, err := s.Append("s1", Activity{Kind: ActivityThought, Body: "first"}, false)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	a2, _ := s.Append("s1", Activity{Kind: ActivityThought, Body: "second"}, false)

	if a1.Ordinal != 1 || a2.Ordinal != 2 {
		t.Errorf("ordinals = %d, %d", a1.Ordinal, a2.Ordinal)
	}
	if a1.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestAppendToUnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append("ghost", Activity{Kind: ActivityThought}, false)
	if !errors.Is(err, ErrNoSuchSession) {
		t.Errorf("err = %v, want ErrNoSuchSession", err)
	}
}

func TestEphemeralReplacement(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")

	s.Append("s1", Activity{Kind: ActivityResponse, Body: "working on it"}, true)
	s.Append("s1", Activity{Kind: ActivityThought, Body: "real content"}, false)

	got, _ := s.Get("s1")
	if len(got.Activities) != 1 {
		t.Fatalf("expected placeholder replaced, log = %+v", got.Activities)
	}
	if got.Activities[0].Body != "real content" || got.Activities[0].Ephemeral {
		t.Errorf("tail = %+v", got.Activities[0])
	}
}

func TestEphemeralReplacementKeepsOrdinalsMonotonic(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")

	s.Append("s1", Activity{Kind: ActivityThought, Body: "a"}, false)
	eph, _ := s.Append("s1", Activity{Kind: ActivityResponse, Body: "hold"}, true)
	next, _ := s.Append("s1", Activity{Kind: ActivityThought, Body: "b"}, false)

	if next.Ordinal <= eph.Ordinal-1 {
		t.Errorf("ordinal regressed: eph=%d next=%d", eph.Ordinal, next.Ordinal)
	}
	got, _ := s.Get("s1")
	for i := 1; i < len(got.Activities); i++ {
		if got.Activities[i].Ordinal <= got.Activities[i-1].Ordinal {
			t.Errorf("ordinals not increasing: %+v", got.Activities)
		}
	}
}

func TestTerminalStatusEvictsTrailingEphemeral(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")

	s.Append("s1", Activity{Kind: ActivityResponse, Body: "working on it"}, true)
	s.SetStatus("s1", StatusActive)
	s.SetStatus("s1", StatusComplete)

	got, _ := s.Get("s1")
	if len(got.Activities) != 0 {
		t.Errorf("placeholder survived completion: %+v", got.Activities)
	}
}

func TestNonEphemeralActivitiesNeverRemoved(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")

	s.Append("s1", Activity{Kind: ActivityThought, Body: "keep me"}, false)
	s.Append("s1", Activity{Kind: ActivityThought, Body: "me too"}, false)

	got, _ := s.Get("s1")
	if len(got.Activities) != 2 {
		t.Fatalf("log = %+v", got.Activities)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"happy path", []Status{StatusActive, StatusComplete}, true},
		{"with input wait", []Status{StatusActive, StatusAwaitingInput, StatusActive, StatusComplete}, true},
		{"stop before spawn", []Status{StatusComplete}, true},
		{"spawn failure", []Status{StatusError}, true},
		{"skip to awaiting", []Status{StatusAwaitingInput}, false},
		{"revive completed", []Status{StatusActive, StatusComplete, StatusActive}, false},
		{"revive errored", []Status{StatusError, StatusActive}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			mustCreate(t, s, "s1")
			var err error
			for _, st := range tt.path {
				if err = s.SetStatus("s1", st); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("err = %v, want ErrIllegalTransition", err)
			}
		})
	}
}

func TestSetStatusSameStatusIsNoop(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	if err := s.SetStatus("s1", StatusPending); err != nil {
		t.Errorf("self transition should be a no-op: %v", err)
	}
}

func TestTerminalStatusRecordsEndTime(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	s.SetStatus("s1", StatusActive)
	s.SetStatus("s1", StatusComplete)

	got, _ := s.Get("s1")
	if got.EndedAt == nil {
		t.Error("EndedAt not set on terminal status")
	}
}

func TestWorkspacePathStable(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	if err := s.SetWorkspacePath("s1", "/ws/a"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := s.SetWorkspacePath("s1", "/ws/a"); err != nil {
		t.Errorf("idempotent set: %v", err)
	}
	if err := s.SetWorkspacePath("s1", "/ws/b"); err == nil {
		t.Error("expected error on workspace path change")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	s.Append("s1", Activity{Kind: ActivityThought, Body: "original"}, false)

	state := s.Snapshot()
	state.Sessions["s1"].Activities[0] = Activity{Body: "mutated"}

	got, _ := s.Get("s1")
	if got.Activities[0].Body != "original" {
		t.Error("snapshot mutation leaked into the store")
	}
	if state.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d", state.SchemaVersion)
	}
	if state.RunnerSelections["s1"].Flavor != "claudecode" {
		t.Errorf("runner selections = %+v", state.RunnerSelections)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	s.Append("s1", Activity{Kind: ActivityThought, Body: "before crash"}, false)
	s.SetStatus("s1", StatusActive)
	s.Finalize("s1")

	state := s.Snapshot()

	restored := newTestStore(t)
	restored.Restore(state)

	got, ok := restored.Get("s1")
	if !ok {
		t.Fatal("session missing after restore")
	}
	if got.Status != StatusActive || len(got.Activities) != 1 {
		t.Errorf("restored = %+v", got)
	}
	if !restored.IsFinalized("s1") {
		t.Error("finalized flag lost")
	}
}

func TestMarkPersistedAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "s1")
	s.Append("s1", Activity{Kind: ActivityThought, Body: "a"}, false)
	s.Append("s1", Activity{Kind: ActivityThought, Body: "b"}, false)

	s.MarkPersisted(s.Snapshot())

	got, _ := s.Get("s1")
	if got.LastPersistedOrdinal != 2 {
		t.Errorf("cursor = %d, want 2", got.LastPersistedOrdinal)
	}
}

func TestActiveExcludesTerminalAndFinalized(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "running")
	mustCreate(t, s, "done")
	mustCreate(t, s, "finalized")

	s.SetStatus("running", StatusActive)
	s.SetStatus("done", StatusComplete)
	s.Finalize("finalized")

	active := s.Active()
	if len(active) != 1 || active[0].ID != "running" {
		t.Errorf("active = %+v", active)
	}
}
