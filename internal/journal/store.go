package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skypro1111/clip-upload-service/internal/upload"
)

// Retention modes
const (
	ModeEphemeral  = "ephemeral"
	ModePersistent = "persistent"
)

// Config contains journal configuration
type Config struct {
	Path          string
	RetentionMode string
	MaxAgeDays    int
}

// SessionEntry is the journal row of one session
type SessionEntry struct {
	SessionID  string    `json:"session_id"`
	BusinessID string    `json:"business_id,omitempty"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// Store records session and clip lifecycle metadata in SQLite. Clip bytes
// are never stored. In ephemeral mode every method is a no-op.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
}

// Open opens the journal according to cfg
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "" || cfg.RetentionMode == ModeEphemeral {
		return &Store{cfg: cfg, logger: logger, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, logger: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		logger.Warn("Journal prune on start failed", slog.String("error", err.Error()))
	}

	logger.Info("Journal opened", slog.String("path", cfg.Path))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    business_id TEXT,
    mode TEXT,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS clip_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    file_name TEXT NOT NULL,
    object_key TEXT,
    status TEXT NOT NULL,
    attempt INTEGER,
    bytes INTEGER,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clip_events_session ON clip_events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether entries are persisted
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases the database
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session
func (s *Store) StartSession(ctx context.Context, sessionID, businessID, mode string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, business_id, mode, status, started_at)
		 VALUES(?, ?, ?, 'active', ?)
		 ON CONFLICT(session_id) DO UPDATE SET business_id=excluded.business_id, mode=excluded.mode`,
		sessionID, businessID, mode, s.clock().UnixMilli())
	return err
}

// EndSession records the final status of a session
func (s *Store) EndSession(ctx context.Context, sessionID, status string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE session_id = ?`,
		status, s.clock().UnixMilli(), sessionID)
	return err
}

// Record appends a clip lifecycle event
func (s *Store) Record(ctx context.Context, ev upload.Event) error {
	if !s.Enabled() {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clip_events(session_id, file_name, object_key, status, attempt, bytes, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.FileName, ev.Key, string(ev.Status), ev.Attempt, ev.Bytes, ev.Error, ev.At.UnixMilli())
	return err
}

// Session returns the journal row of a session
func (s *Store) Session(ctx context.Context, sessionID string) (SessionEntry, bool, error) {
	if !s.Enabled() {
		return SessionEntry{}, false, nil
	}
	var (
		e       SessionEntry
		started int64
		ended   sql.NullInt64
		biz     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, business_id, mode, status, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&e.SessionID, &biz, &e.Mode, &e.Status, &started, &ended)
	if err == sql.ErrNoRows {
		return SessionEntry{}, false, nil
	}
	if err != nil {
		return SessionEntry{}, false, err
	}
	e.BusinessID = biz.String
	e.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		e.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	return e, true, nil
}

// ListClipEvents returns up to limit events of a session in insertion order
func (s *Store) ListClipEvents(ctx context.Context, sessionID string, limit int) ([]upload.Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_name, object_key, status, attempt, bytes, error, created_at
		 FROM clip_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []upload.Event
	for rows.Next() {
		var (
			ev      upload.Event
			status  string
			created int64
			key     sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&ev.SessionID, &ev.FileName, &key, &status, &ev.Attempt, &ev.Bytes, &errText, &created); err != nil {
			return nil, err
		}
		ev.Key = key.String
		ev.Status = upload.Status(status)
		ev.Error = errText.String
		ev.At = time.UnixMilli(created).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes sessions and events older than the configured age
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() || s.cfg.MaxAgeDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.MaxAgeDays) * 24 * time.Hour).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM clip_events WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
		return err
	}
	return tx.Commit()
}
