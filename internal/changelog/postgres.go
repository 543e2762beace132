package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS changelog_sessions (
	session_id      TEXT PRIMARY KEY,
	current_version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS changelog_entries (
	session_id      TEXT NOT NULL,
	version_id      BIGINT NOT NULL,
	id              TEXT NOT NULL,
	operation_type  TEXT NOT NULL,
	resource_type   TEXT NOT NULL,
	resource_name   TEXT NOT NULL,
	before_state    JSONB,
	after_state     JSONB,
	change_summary  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	rollback_status TEXT NOT NULL,
	PRIMARY KEY (session_id, version_id)
);
`

// PostgresStore keeps entries in Postgres. The version counter row is
// upserted inside the append transaction, so its row lock serializes
// concurrent appends to one session.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle (driver "pgx").
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the changelog tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) (int64, error) {
	before, err := marshalState(e.BeforeState)
	if err != nil {
		return 0, err
	}
	after, err := marshalState(e.AfterState)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var v int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO changelog_sessions (session_id, current_version)
		VALUES ($1, 1)
		ON CONFLICT (session_id)
		DO UPDATE SET current_version = changelog_sessions.current_version + 1
		RETURNING current_version
	`, e.SessionID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changelog_entries (
			session_id, version_id, id, operation_type, resource_type, resource_name,
			before_state, after_state, change_summary, created_at, rollback_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.SessionID, v, e.ID, string(e.OperationType), string(e.ResourceType), e.ResourceName,
		before, after, e.ChangeSummary, e.CreatedAt, string(e.RollbackStatus))
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, sessionID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_version FROM changelog_sessions WHERE session_id = $1`, sessionID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

const entryColumns = `session_id, version_id, id, operation_type, resource_type, resource_name,
	before_state, after_state, change_summary, created_at, rollback_status`

func (s *PostgresStore) Get(ctx context.Context, sessionID string, version int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+`
		FROM changelog_entries
		WHERE session_id = $1 AND version_id = $2
	`, sessionID, version)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, sessionID string, version int64, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE changelog_entries SET rollback_status = $3
		WHERE session_id = $1 AND version_id = $2
	`, sessionID, version, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM changelog_entries
		WHERE session_id = $1
		ORDER BY version_id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e              Entry
		op, rt, status string
		before, after  sql.NullString
		createdAt      time.Time
	)
	if err := row.Scan(&e.SessionID, &e.VersionID, &e.ID, &op, &rt, &e.ResourceName,
		&before, &after, &e.ChangeSummary, &createdAt, &status); err != nil {
		return nil, err
	}
	e.OperationType = plan.Operation(op)
	e.ResourceType = plan.ResourceType(rt)
	e.RollbackStatus = Status(status)
	e.CreatedAt = createdAt.UTC()

	var err error
	if e.BeforeState, err = unmarshalState(before); err != nil {
		return nil, fmt.Errorf("scanEntry: before_state: %w", err)
	}
	if e.AfterState, err = unmarshalState(after); err != nil {
		return nil, fmt.Errorf("scanEntry: after_state: %w", err)
	}
	return &e, nil
}

func marshalState(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return string(data), nil
}

func unmarshalState(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
