// Package turnstore persists terminal turns to SQLite so operators can
// inspect what a device asked and how the runtime answered.
package turnstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/turn"
	_ "modernc.org/sqlite"
)

// Record is one persisted terminal turn.
type Record struct {
	TurnID       string
	SessionID    string
	DeviceID     string
	Seq          uint64
	Status       string
	FailureKind  string
	Transcript   string
	ResponseText string
	Intent       string
	StartedAt    time.Time
	EndedAt      time.Time
}

// Store wraps a SQLite-backed turn history. With retention_mode ephemeral
// it degrades to a no-op so the runtime can run entirely in memory.
type Store struct {
	db    *sql.DB
	cfg   config.TurnStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the turn store according to config.
func Open(ctx context.Context, cfg config.TurnStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("turn store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("turn store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    status TEXT NOT NULL,
    failure_kind TEXT,
    transcript TEXT,
    response_text TEXT,
    intent TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession upserts a session row so turns have a parent to hang off.
func (s *Store) EnsureSession(ctx context.Context, sessionID, deviceID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device_id=excluded.device_id`,
		sessionID, deviceID, s.clock().UTC())
	return err
}

// SaveTurn writes one terminal turn. Satisfies the orchestrator's store
// contract.
func (s *Store) SaveTurn(ctx context.Context, t *turn.Turn) error {
	if s.db == nil {
		return nil
	}
	if err := s.EnsureSession(ctx, t.SessionID, t.DeviceID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, session_id, device_id, seq, status, failure_kind,
		                   transcript, response_text, intent, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET
		   status=excluded.status, failure_kind=excluded.failure_kind,
		   transcript=excluded.transcript, response_text=excluded.response_text,
		   intent=excluded.intent, ended_at=excluded.ended_at`,
		t.ID, t.SessionID, t.DeviceID, t.Seq, string(t.Status), string(t.FailureKind),
		t.Transcript, t.ResponseText, t.Intent, t.StartedAt.UTC(), t.EndedAt.UTC())
	return err
}

// ListSessionTurns retrieves up to limit turns for a session in ordinal
// order.
func (s *Store) ListSessionTurns(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, session_id, device_id, seq, status, failure_kind,
		        transcript, response_text, intent, started_at, ended_at
		 FROM turns WHERE session_id = ? ORDER BY seq ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var started, ended string
		if err := rows.Scan(&r.TurnID, &r.SessionID, &r.DeviceID, &r.Seq, &r.Status,
			&r.FailureKind, &r.Transcript, &r.ResponseText, &r.Intent, &started, &ended); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, ended); err == nil {
			r.EndedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention; called on startup and from the
// runtime's maintenance loop.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
