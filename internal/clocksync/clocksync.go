// Package clocksync keeps the session's server clock offset fresh. The
// offset drifts slowly, so it is remeasured on a cron schedule and the last
// value is cached in storage for the next start.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"motionsync/internal/storage"
	logx "motionsync/pkg/logx"
)

// Syncer measures and adopts the offset.
type Syncer interface {
	Sync(ctx context.Context, samples int) (int64, error)
}

type Config struct {
	// Schedule is a cron spec (seconds optional) or descriptor. Empty
	// disables periodic resync; RunOnce still works.
	Schedule string
	Samples  int
	Timeout  time.Duration // per run, default 30s
	// Key identifies the device in the offset cache.
	Key string
	// MaxAge bounds how old a cached offset may be to be restored. Default 24h.
	MaxAge time.Duration
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates spec with the same parser the service uses.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("sync schedule %q: %w", spec, err)
	}
	return s, nil
}

type Service struct {
	cfg   Config
	sync  Syncer
	store storage.Store // may be nil
	log   logx.Logger
	now   func() time.Time

	running atomic.Bool
	runs    atomic.Uint64

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, s Syncer, store storage.Store, log logx.Logger) (*Service, error) {
	if s == nil {
		return nil, errors.New("clocksync: nil syncer")
	}
	if strings.TrimSpace(cfg.Schedule) != "" {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, sync: s, store: store, log: log, now: time.Now}, nil
}

// Restore applies the cached offset if there is a fresh one.
func (s *Service) Restore(ctx context.Context, apply func(offsetMs int64)) bool {
	if s.store == nil {
		return false
	}
	off, ok, err := s.store.GetClockOffset(ctx, s.cfg.Key)
	if err != nil {
		s.log.Warn("cached clock offset unreadable", logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	age := s.now().Sub(off.MeasuredAt)
	if age > s.cfg.MaxAge {
		s.log.Debug("cached clock offset too old", logx.Duration("age", age))
		return false
	}
	apply(off.OffsetMs)
	s.log.Info("restored cached clock offset", logx.Int64("offset_ms", off.OffsetMs), logx.Duration("age", age))
	return true
}

// RunOnce measures the offset now and caches it. Overlapping runs are
// skipped.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, errors.New("clocksync: run already in progress")
	}
	defer s.running.Store(false)
	s.runs.Add(1)

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	off, err := s.sync.Sync(rctx, s.cfg.Samples)
	if err != nil {
		return 0, err
	}
	if s.store != nil {
		if err := s.store.PutClockOffset(ctx, s.cfg.Key, storage.ClockOffset{OffsetMs: off, MeasuredAt: s.now()}); err != nil {
			s.log.Warn("caching clock offset failed", logx.Err(err))
		}
	}
	return off, nil
}

// Runs counts started measurements.
func (s *Service) Runs() uint64 { return s.runs.Load() }

// Start begins periodic resync. It is a no-op without a schedule or when
// already started.
func (s *Service) Start(ctx context.Context) error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		s.log.Debug("no sync schedule; periodic resync disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		off, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Warn("clock resync failed", logx.Err(err))
			return
		}
		s.log.Debug("clock resynced", logx.Int64("offset_ms", off))
	})
	if err != nil {
		return fmt.Errorf("sync schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("clock resync scheduled", logx.String("schedule", spec), logx.Int("samples", s.cfg.Samples))
	return nil
}

// Next reports the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits, bounded by ctx, for a running job.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("clocksync stop: %w", ctx.Err())
	}
}
