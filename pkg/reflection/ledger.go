package reflection

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemoslab/mnemos/pkg/errors"
)

// Ledger records which experience ids have already been accounted for,
// making reflection idempotent under retries and duplicate triggers.
// Counting (counter increments) and reflecting (pattern mining, goal
// progress) are tracked separately because they happen at different
// times: counting at solve commit, reflecting in batches.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS reflected_experiences (
    experience_id TEXT PRIMARY KEY,
    counted_at    TEXT,
    reflected_at  TEXT
);
`

// OpenLedger creates or opens the idempotency ledger at path
// (":memory:" for ephemeral).
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open reflection ledger"),
			errors.Fields{"path": path},
		)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to initialize reflection ledger")
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to close reflection ledger")
	}
	return nil
}

// TryCount marks an experience's counters as applied. Returns true the
// first time, false when the experience was already counted.
func (l *Ledger) TryCount(ctx context.Context, experienceID string) (bool, error) {
	return l.tryMark(ctx, experienceID, "counted_at")
}

// TryReflect marks an experience as batch-reflected. Returns true the
// first time, false when the experience was already reflected upon.
func (l *Ledger) TryReflect(ctx context.Context, experienceID string) (bool, error) {
	return l.tryMark(ctx, experienceID, "reflected_at")
}

// ForgetCounted clears an experience's counted mark, used to unwind a
// ledger entry when the counter commit it guarded failed.
func (l *Ledger) ForgetCounted(ctx context.Context, experienceID string) error {
	return l.forget(ctx, experienceID, "counted_at")
}

// ForgetReflected clears an experience's batch-reflected mark so a
// retried batch can process it again after a failed run.
func (l *Ledger) ForgetReflected(ctx context.Context, experienceID string) error {
	return l.forget(ctx, experienceID, "reflected_at")
}

func (l *Ledger) forget(ctx context.Context, experienceID, column string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		"UPDATE reflected_experiences SET "+column+" = NULL WHERE experience_id = ?", experienceID)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to clear ledger entry")
	}
	return nil
}

func (l *Ledger) tryMark(ctx context.Context, experienceID, column string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT "+column+" FROM reflected_experiences WHERE experience_id = ?", experienceID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// No row yet, insert below.
	case err != nil:
		return false, errors.Wrap(err, errors.Unknown, "failed to read reflection ledger")
	case existing.Valid:
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = l.db.ExecContext(ctx, `
    INSERT INTO reflected_experiences (experience_id, `+column+`) VALUES (?, ?)
    ON CONFLICT(experience_id) DO UPDATE SET `+column+` = excluded.`+column,
		experienceID, now)
	if err != nil {
		return false, errors.Wrap(err, errors.Unknown, "failed to write reflection ledger")
	}
	return true, nil
}
