// Package store persists instance records in sqlite so a restarted
// supervisor can rediscover workers it spawned in a previous life.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrRecordNotFound = errors.New("instance record not found")

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	port         INTEGER NOT NULL,
	pid          INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_project ON instances(project_path);
`

// Record is one persisted instance row.
type Record struct {
	ID          string    `db:"id"`
	ProjectPath string    `db:"project_path"`
	Port        int       `db:"port"`
	PID         int       `db:"pid"`
	State       string    `db:"state"`
	SessionID   string    `db:"session_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Store wraps the sqlite handle. Safe for concurrent use; sqlite itself
// serializes writers.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening instance store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying instance store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the record for rec.ID. An existing row keeps
// its created_at.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO instances (id, project_path, port, pid, state, session_id, created_at, updated_at)
		VALUES (:id, :project_path, :port, :pid, :state, :session_id, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			port         = excluded.port,
			pid          = excluded.pid,
			state        = excluded.state,
			session_id   = excluded.session_id,
			updated_at   = excluded.updated_at`, rec)
	if err != nil {
		return fmt.Errorf("upserting instance %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateState changes only the state column of an existing record.
func (s *Store) UpdateState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating state for instance %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading instance %s: %w", id, err)
	}
	return rec, nil
}

// LoadAll returns every persisted record, oldest first.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `SELECT * FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("loading instance records: %w", err)
	}
	return records, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}
