//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "motionsync/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	writes atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var data any
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("event data: %w", err)
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, run_id, kind, source, data) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.RunID, e.Kind, nullStr(e.Source), data,
	)
	if err == nil && s.writes.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("event prune failed", logx.Err(err))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, kind, source, data FROM
		   (SELECT id, at, run_id, kind, source, data FROM events ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e            Event
			at           string
			source, data sql.NullString
		)
		if err := rows.Scan(&at, &e.RunID, &e.Kind, &source, &data); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Source = source.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				s.log.Debug("event data unreadable", logx.Err(err))
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutClockOffset(ctx context.Context, key string, off ClockOffset) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clock_offsets(key, offset_ms, measured_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET offset_ms=excluded.offset_ms, measured_at=excluded.measured_at`,
		key, off.OffsetMs, off.MeasuredAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetClockOffset(ctx context.Context, key string) (ClockOffset, bool, error) {
	var off, at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT offset_ms, measured_at FROM clock_offsets WHERE key = ?`, strings.TrimSpace(key),
	).Scan(&off, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return ClockOffset{}, false, nil
	}
	if err != nil {
		return ClockOffset{}, false, err
	}
	return ClockOffset{OffsetMs: off, MeasuredAt: time.UnixMilli(at)}, true, nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, keepEvents)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
