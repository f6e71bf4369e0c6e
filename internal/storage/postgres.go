package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const maxStoredOutput = 65535

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL,
	code_hash        TEXT NOT NULL,
	status           TEXT NOT NULL,
	error_kind       TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	exit_code        INTEGER NOT NULL,
	output           TEXT NOT NULL DEFAULT '',
	stderr           TEXT NOT NULL DEFAULT '',
	truncated        BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms      BIGINT NOT NULL,
	cpu_percent      DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_max_bytes BIGINT NOT NULL DEFAULT 0,
	network_rx_bytes BIGINT NOT NULL DEFAULT 0,
	network_tx_bytes BIGINT NOT NULL DEFAULT 0,
	security_events  INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_user_created ON executions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	detail       TEXT NOT NULL,
	stream       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_execution ON security_events (execution_id);
`

// DB wraps a PostgreSQL connection pool holding execution history.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if maxConns < 1 {
		maxConns = 10
	}
	config.MaxConns = maxConns
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the history tables when they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution stores an execution and its security events in one transaction.
func (db *DB) LogExecution(ctx context.Context, entry *Entry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	e := entry.Execution
	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, user_id, language, code_hash, status, error_kind, error,
			exit_code, output, stderr, truncated, duration_ms, cpu_percent, memory_max_bytes,
			network_rx_bytes, network_tx_bytes, security_events, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, textForDB(e.UserID, maxStoredOutput), e.Language, e.CodeHash, e.Status, e.ErrorKind,
		textForDB(e.Error, maxStoredOutput),
		e.ExitCode,
		textForDB(e.Output, maxStoredOutput),
		textForDB(e.Stderr, maxStoredOutput),
		e.Truncated, e.DurationMS, e.CPUPercent, e.MemoryMaxBytes,
		e.NetworkRxBytes, e.NetworkTxBytes, len(entry.Events),
		e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	if len(entry.Events) > 0 {
		batch := &pgx.Batch{}
		for _, ev := range entry.Events {
			if ev.ID == "" {
				ev.ID = uuid.New().String()
			}
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = e.CompletedAt
			}
			batch.Queue(`
				INSERT INTO security_events (id, execution_id, type, severity, detail, stream, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ev.ID, e.ID, ev.Type, ev.Severity, textForDB(ev.Detail, maxStoredOutput), ev.Stream, ev.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting security events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, user_id, language, code_hash, status, error_kind, error,
	exit_code, output, stderr, truncated, duration_ms, cpu_percent, memory_max_bytes,
	network_rx_bytes, network_tx_bytes, security_events, created_at, completed_at`

func scanExecution(row pgx.Row) (Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.UserID, &e.Language, &e.CodeHash, &e.Status, &e.ErrorKind, &e.Error,
		&e.ExitCode, &e.Output, &e.Stderr, &e.Truncated, &e.DurationMS, &e.CPUPercent,
		&e.MemoryMaxBytes, &e.NetworkRxBytes, &e.NetworkTxBytes, &e.SecurityEvents,
		&e.CreatedAt, &e.CompletedAt,
	)
	return e, err
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &e, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		  AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.UserID, filter.Language, filter.Status, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, e)
	}

	return results, rows.Err()
}

// SecurityEvents lists the findings recorded for one execution.
func (db *DB) SecurityEvents(ctx context.Context, executionID string) ([]SecurityEventRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, execution_id, type, severity, detail, stream, created_at
		FROM security_events WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEventRecord
	for rows.Next() {
		var ev SecurityEventRecord
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Type, &ev.Severity, &ev.Detail, &ev.Stream, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeBefore deletes executions completed before cutoff.
func (db *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM executions WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// textForDB makes s acceptable to a text column: valid UTF-8, no NUL bytes,
// at most maxLen bytes without splitting a character.
func textForDB(s string, maxLen int) string {
	if !utf8.ValidString(s) || strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
