package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "motionsync/pkg/logx"
)

const (
	compactEvery = 1000
	keepEvents   = 5000
)

// fileStore keeps everything in plain files next to Path.
//
// Files:
//   - <prefix>.events.jsonl (append-only JSON lines, trimmed to the newest keepEvents)
//   - <prefix>.clock.json   (clock offset snapshot, replaced atomically)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string
	events     *os.File
	writes     int

	clockPath string
	clock     map[string]ClockOffset
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		eventsPath: prefix + ".events.jsonl",
		clockPath:  prefix + ".clock.json",
		clock:      map[string]ClockOffset{},
	}
	if err := loadJSON(s.clockPath, &s.clock); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("clock snapshot unreadable; starting empty", logx.String("path", s.clockPath), logx.Err(err))
		s.clock = map[string]ClockOffset{}
	}

	f, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.events = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	return err
}

func (s *fileStore) AppendEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.events).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil, ErrClosed
	}
	return tailEvents(s.eventsPath, limit)
}

func (s *fileStore) PutClockOffset(_ context.Context, key string, off ClockOffset) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ErrClosed
	}
	s.clock[key] = off
	return writeJSONAtomic(s.clockPath, s.clock)
}

func (s *fileStore) GetClockOffset(_ context.Context, key string) (ClockOffset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ClockOffset{}, false, ErrClosed
	}
	off, ok := s.clock[strings.TrimSpace(key)]
	return off, ok, nil
}

// compactLocked rewrites the journal keeping the newest keepEvents lines.
func (s *fileStore) compactLocked() error {
	kept, err := tailEvents(s.eventsPath, keepEvents)
	if err != nil {
		return err
	}
	tmp := s.eventsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.eventsPath); err != nil {
		return err
	}
	// the old handle points at the replaced inode
	nf, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.events.Close()
	s.events = nf
	return nil
}

// tailEvents reads the journal and returns the last limit decodable entries.
func tailEvents(path string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]Event, 0, min(limit, 256))
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// torn tail from a crash
			continue
		}
		if len(ring) < limit {
			ring = append(ring, e)
			continue
		}
		ring[start] = e
		start = (start + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(ring))
	out = append(out, ring[start:]...)
	return append(out, ring[:start]...), nil
}

func loadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
