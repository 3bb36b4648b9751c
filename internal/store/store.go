// Package store persists finished session results to PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// ErrNotFound is returned when no session row matches the requested id.
var ErrNotFound = errors.New("session not found")

// DBPool abstracts pgxpool.Pool so tests can run against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL implementation of schemas.SessionStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.SessionStore = (*Store)(nil)

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const sqlCreateTables = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    goal           TEXT NOT NULL,
    start_url      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    result         TEXT NOT NULL DEFAULT '',
    artifacts_dir  TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_steps (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    step        INTEGER NOT NULL,
    summary     JSONB NOT NULL DEFAULT '{}',
    plan        JSONB NOT NULL DEFAULT '{}',
    outcome     JSONB NOT NULL DEFAULT '{}',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, step)
);
`

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateTables); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlUpsertSession = `
        INSERT INTO sessions (id, goal, start_url, status, failure_reason, result, artifacts_dir, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            failure_reason = EXCLUDED.failure_reason,
            result = EXCLUDED.result,
            artifacts_dir = EXCLUDED.artifacts_dir,
            finished_at = EXCLUDED.finished_at;
    `

// SaveResult writes a finished session and its full step history in one
// transaction. Re-saving the same id replaces the step rows.
func (s *Store) SaveResult(ctx context.Context, result *schemas.SessionResult) error {
	if result == nil {
		return errors.New("nil session result")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertSession,
		result.ID, result.Goal, result.StartURL,
		string(result.Status), result.FailureReason, result.Result,
		result.ArtifactsDir, result.StartedAt.UTC(), result.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", result.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM session_steps WHERE session_id = $1;`, result.ID); err != nil {
		return fmt.Errorf("failed to clear steps for session %s: %w", result.ID, err)
	}

	if len(result.History) > 0 {
		if err := s.persistSteps(ctx, tx, result.ID, result.History); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, sessionID string, history []schemas.HistoryEntry) error {
	rows := make([][]interface{}, len(history))
	for i, entry := range history {
		summary, err := json.Marshal(entry.Summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary for step %d: %w", entry.Step, err)
		}
		plan, err := json.Marshal(entry.Plan)
		if err != nil {
			return fmt.Errorf("failed to encode plan for step %d: %w", entry.Step, err)
		}
		outcome, err := json.Marshal(entry.Outcome)
		if err != nil {
			return fmt.Errorf("failed to encode outcome for step %d: %w", entry.Step, err)
		}

		rows[i] = []interface{}{
			sessionID, entry.Step,
			json.RawMessage(summary), json.RawMessage(plan), json.RawMessage(outcome),
			entry.Duration.Milliseconds(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"session_steps"},
		[]string{"session_id", "step", "summary", "plan", "outcome", "duration_ms"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy session steps: %w", err)
	}
	if int(copyCount) != len(history) {
		return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(history), copyCount)
	}
	return nil
}

// ListSessions returns finished sessions, newest first, without step
// histories.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*schemas.SessionResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
        SELECT id, goal, start_url, status, failure_reason, result, artifacts_dir, started_at, finished_at
        FROM sessions
        ORDER BY started_at DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var results []*schemas.SessionResult
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

// GetResult loads one session with its full step history.
func (s *Store) GetResult(ctx context.Context, id string) (*schemas.SessionResult, error) {
	query := `
        SELECT id, goal, start_url, status, failure_reason, result, artifacts_dir, started_at, finished_at
        FROM sessions
        WHERE id = $1;
    `
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading session %s: %w", id, err)
		}
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	result, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	history, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	result.History = history
	return result, nil
}

func (s *Store) loadSteps(ctx context.Context, sessionID string) ([]schemas.HistoryEntry, error) {
	query := `
        SELECT step, summary, plan, outcome, duration_ms
        FROM session_steps
        WHERE session_id = $1
        ORDER BY step ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var history []schemas.HistoryEntry
	for rows.Next() {
		var (
			entry      schemas.HistoryEntry
			summary    json.RawMessage
			plan       json.RawMessage
			outcome    json.RawMessage
			durationMS int64
		)
		if err := rows.Scan(&entry.Step, &summary, &plan, &outcome, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if err := json.Unmarshal(summary, &entry.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary for step %d: %w", entry.Step, err)
		}
		if err := json.Unmarshal(plan, &entry.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan for step %d: %w", entry.Step, err)
		}
		if err := json.Unmarshal(outcome, &entry.Outcome); err != nil {
			return nil, fmt.Errorf("failed to decode outcome for step %d: %w", entry.Step, err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		history = append(history, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during step iteration: %w", err)
	}
	return history, nil
}

func scanSession(rows pgx.Rows) (*schemas.SessionResult, error) {
	var (
		r      schemas.SessionResult
		status string
	)
	err := rows.Scan(
		&r.ID, &r.Goal, &r.StartURL,
		&status, &r.FailureReason, &r.Result,
		&r.ArtifactsDir, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	r.Status = schemas.SessionStatus(status)
	return &r, nil
}
