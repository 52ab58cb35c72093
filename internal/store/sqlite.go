package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/shared"
	"github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		flow TEXT NOT NULL,
		message_id TEXT,
		user_id TEXT,
		conversation_id TEXT,
		session_id TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		detail TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_units_started ON units(started_at);
	CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec runs a write statement, retrying with exponential backoff while SQLite
// reports the database as busy or locked.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retry.Do(
		func() error {
			var err error
			result, err = s.db.ExecContext(ctx, query, args...)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(writeAttempts),
		retry.Delay(writeBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(shared.IsSQLiteConflictError),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("Journal write failed with SQLITE_BUSY, retrying",
				"op", op,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// StartUnit inserts a running unit.
func (s *SQLiteStore) StartUnit(ctx context.Context, rec *domain.UnitRecord) error {
	if rec.Status == "" {
		rec.Status = domain.UnitRunning
	}
	return s.insert(ctx, "start unit", rec)
}

// DropMessage inserts a record for a message rejected before it became a unit.
func (s *SQLiteStore) DropMessage(ctx context.Context, rec *domain.UnitRecord) error {
	rec.Status = domain.UnitDropped
	if rec.FinishedAt == nil {
		now := time.Now()
		rec.FinishedAt = &now
	}
	return s.insert(ctx, "drop message", rec)
}

func (s *SQLiteStore) insert(ctx context.Context, op string, rec *domain.UnitRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	var finishedAt any
	if rec.FinishedAt != nil {
		finishedAt = rec.FinishedAt.UnixMilli()
	}

	query := `
	INSERT INTO units (id, flow, message_id, user_id, conversation_id, session_id,
	                   status, error_kind, detail, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, op, query,
		rec.ID, rec.Flow, nullable(rec.MessageID), nullable(rec.UserID),
		nullable(rec.ConversationID), nullable(rec.SessionID),
		string(rec.Status), nullable(rec.ErrorKind), nullable(rec.Detail),
		rec.StartedAt.UnixMilli(), finishedAt,
	)
	return err
}

// FinishUnit sets the terminal status of a unit. Only running units are updated.
func (s *SQLiteStore) FinishUnit(ctx context.Context, id string, status domain.UnitStatus, errKind, detail string) error {
	query := `
	UPDATE units SET status = ?, error_kind = ?, detail = ?, finished_at = ?
	WHERE id = ? AND status = ?`

	result, err := s.exec(ctx, "finish unit", query,
		string(status), nullable(errKind), nullable(detail), time.Now().UnixMilli(),
		id, string(domain.UnitRunning),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("FinishUnit affected 0 rows", "unit_id", id, "status", status)
		return fmt.Errorf("unit %s not running", id)
	}
	return nil
}

// ListUnits returns recent units matching filter, newest first.
func (s *SQLiteStore) ListUnits(ctx context.Context, filter domain.UnitFilter) ([]*domain.UnitRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Flow != "" {
		where = append(where, "flow = ?")
		args = append(args, filter.Flow)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, flow, message_id, user_id, conversation_id, session_id,
		       status, error_kind, detail, started_at, finished_at
		FROM units`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close unit rows", "error", closeErr)
		}
	}()

	var units []*domain.UnitRecord
	for rows.Next() {
		var (
			rec                                  domain.UnitRecord
			messageID, userID, convID, sessionID sql.NullString
			errKind, detail                      sql.NullString
			status                               string
			startedAt                            int64
			finishedAt                           sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID, &rec.Flow, &messageID, &userID, &convID, &sessionID,
			&status, &errKind, &detail, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unit row: %w", err)
		}

		rec.MessageID = messageID.String
		rec.UserID = userID.String
		rec.ConversationID = convID.String
		rec.SessionID = sessionID.String
		rec.Status = domain.UnitStatus(status)
		rec.ErrorKind = errKind.String
		rec.Detail = detail.String
		rec.StartedAt = time.UnixMilli(startedAt)
		if finishedAt.Valid {
			ts := time.UnixMilli(finishedAt.Int64)
			rec.FinishedAt = &ts
		}
		units = append(units, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}

	return units, nil
}

// MarkAbandoned marks every running unit as lost. It is called once at startup,
// before any consumer runs, so every running row belongs to a dead process.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context) (int64, error) {
	query := `UPDATE units SET status = ?, finished_at = ? WHERE status = ?`
	result, err := s.exec(ctx, "mark abandoned", query,
		string(domain.UnitLost), time.Now().UnixMilli(), string(domain.UnitRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteFinishedBefore removes finished units that ended before t.
func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	query := `DELETE FROM units WHERE finished_at IS NOT NULL AND finished_at < ?`
	result, err := s.exec(ctx, "delete finished units", query, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
