package persistence

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/session"
)

// ArchiveFileName is the sqlite database inside the state directory.
const ArchiveFileName = "session-archive.db"

const archiveSchema = `
CREATE TABLE IF NOT EXISTS finalized_sessions (
	id             TEXT PRIMARY KEY,
	work_item_id   TEXT NOT NULL,
	repository_id  TEXT NOT NULL,
	flavor         TEXT NOT NULL,
	model          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	ended_at       TIMESTAMP,
	activity_count INTEGER NOT NULL DEFAULT 0,
	activity_log   TEXT NOT NULL DEFAULT '[]',
	archived_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_finalized_sessions_work_item
	ON finalized_sessions (work_item_id);
`

// ArchivedSession is one row in the finalized-session archive.
type ArchivedSession struct {
	ID            string     `db:"id"`
	WorkItemID    string     `db:"work_item_id"`
	RepositoryID  string     `db:"repository_id"`
	Flavor        string     `db:"flavor"`
	Model         string     `db:"model"`
	Status        string     `db:"status"`
	StartedAt     time.Time  `db:"started_at"`
	EndedAt       *time.Time `db:"ended_at"`
	ActivityCount int        `db:"activity_count"`
	ActivityLog   string     `db:"activity_log"`
	ArchivedAt    time.Time  `db:"archived_at"`
}

// Archive stores finalized sessions in sqlite for audit queries after the
// JSON state files are garbage-collected.
type Archive struct {
	logger *logger.Logger
	db     *sqlx.DB
}

// OpenArchive opens (and migrates) the archive database inside dir.
func OpenArchive(dir string, log *logger.Logger) (*Archive, error) {
	path := filepath.Join(dir, ArchiveFileName)
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening session archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating session archive: %w", err)
	}
	return &Archive{
		logger: log.WithFields(zap.String("component", "session-archive")),
		db:     db,
	}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record archives a finalized session. Re-archiving the same id overwrites the
// prior row, so stop-then-crash-then-stop sequences stay idempotent.
func (a *Archive) Record(sess session.Session) error {
	logJSON, err := json.Marshal(sess.Activities)
	if err != nil {
		return fmt.Errorf("marshaling activity log: %w", err)
	}

	row := ArchivedSession{
		ID:            sess.ID,
		WorkItemID:    sess.WorkItemID,
		RepositoryID:  sess.RepositoryID,
		Flavor:        sess.Runner.Flavor,
		Model:         sess.Runner.Model,
		Status:        string(sess.Status),
		StartedAt:     sess.StartedAt,
		EndedAt:       sess.EndedAt,
		ActivityCount: len(sess.Activities),
		ActivityLog:   string(logJSON),
		ArchivedAt:    time.Now().UTC(),
	}

	_, err = a.db.NamedExec(`
		INSERT OR REPLACE INTO finalized_sessions
			(id, work_item_id, repository_id, flavor, model, status,
			 started_at, ended_at, activity_count, activity_log, archived_at)
		VALUES
			(:id, :work_item_id, :repository_id, :flavor, :model, :status,
			 :started_at, :ended_at, :activity_count, :activity_log, :archived_at)`,
		row)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", sess.ID, err)
	}

	a.logger.Debug("session archived",
		zap.String("session_id", sess.ID),
		zap.Int("activities", row.ActivityCount))
	return nil
}

// Recent returns the most recently archived sessions, newest first.
func (a *Archive) Recent(limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ArchivedSession
	err := a.db.Select(&rows, `
		SELECT * FROM finalized_sessions
		ORDER BY archived_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	return rows, nil
}

// ByWorkItem returns archived sessions for one work item, newest first.
func (a *Archive) ByWorkItem(workItemID string) ([]ArchivedSession, error) {
	var rows []ArchivedSession
	err := a.db.Select(&rows, `
		SELECT * FROM finalized_sessions
		WHERE work_item_id = ?
		ORDER BY archived_at DESC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	return rows, nil
}

// Prune deletes archived sessions older than maxAge. Zero maxAge disables
// pruning.
func (a *Archive) Prune(maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := a.db.Exec(`DELETE FROM finalized_sessions WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning archive: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.logger.Info("archive pruned", zap.Int64("deleted", n))
	}
	return n, nil
}
