package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Retention is how long finished sessions are kept.
const Retention = 30 * 24 * time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates dataDir/history.db and runs schema
// migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			role        TEXT NOT NULL,
			transport   TEXT NOT NULL,
			link        TEXT NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			ended_at    DATETIME,
			error       TEXT NOT NULL DEFAULT '',
			synced      INTEGER NOT NULL DEFAULT 0,
			frames_in   INTEGER NOT NULL DEFAULT 0,
			frames_out  INTEGER NOT NULL DEFAULT 0,
			bytes_in    INTEGER NOT NULL DEFAULT 0,
			bytes_out   INTEGER NOT NULL DEFAULT 0,
			noise_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically drops sessions past the retention window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.SessionPrune(context.Background(), time.Now().Add(-Retention))
		}
	}
}

func (s *SQLiteStore) SessionStart(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, role, transport, link, started_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Role, rec.Transport, rec.Link, rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SessionEnd(ctx context.Context, id string, endedAt time.Time, errMsg string, c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, error = ?, synced = ?,
			frames_in = ?, frames_out = ?, bytes_in = ?, bytes_out = ?, noise_bytes = ?
		 WHERE id = ?`,
		endedAt.UTC(), errMsg, c.Synced,
		int64(c.FramesIn), int64(c.FramesOut), int64(c.BytesIn), int64(c.BytesOut), int64(c.NoiseBytes),
		id,
	)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ending session %s: not found", id)
	}
	return nil
}

const sessionColumns = `id, role, transport, link, started_at, ended_at, error, synced,
	frames_in, frames_out, bytes_in, bytes_out, noise_bytes`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var endedAt sql.NullTime
	var fin, fout, bytesIn, bytesOut, noise int64
	if err := row.Scan(&rec.ID, &rec.Role, &rec.Transport, &rec.Link, &rec.StartedAt, &endedAt,
		&rec.Error, &rec.Synced, &fin, &fout, &bytesIn, &bytesOut, &noise); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	rec.FramesIn, rec.FramesOut = uint64(fin), uint64(fout)
	rec.BytesIn, rec.BytesOut = uint64(bytesIn), uint64(bytesOut)
	rec.NoiseBytes = uint64(noise)
	return &rec, nil
}

func (s *SQLiteStore) SessionGet(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) SessionList(ctx context.Context, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SessionPrune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
