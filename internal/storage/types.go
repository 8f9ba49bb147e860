package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines journal plus a clock offset snapshot
//   - "sqlite": SQLite database file (build tag sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event is one journal entry.
type Event struct {
	At     time.Time      `json:"at"`
	RunID  string         `json:"run_id"`
	Kind   string         `json:"kind"`
	Source string         `json:"source,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ClockOffset is a cached server clock measurement.
type ClockOffset struct {
	OffsetMs   int64     `json:"offset_ms"`
	MeasuredAt time.Time `json:"measured_at"`
}

type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	// RecentEvents returns up to limit entries, oldest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	PutClockOffset(ctx context.Context, key string, off ClockOffset) error
	GetClockOffset(ctx context.Context, key string) (ClockOffset, bool, error)
	Close() error
}
