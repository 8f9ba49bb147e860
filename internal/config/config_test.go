package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: DEBUG
  console: true
playback:
  script_offset_ms: -120
  looping: true
remote:
  connection_key: "abc"
  timeout: 5s
  sync_schedule: "@every 10m"
local:
  port: /dev/ttyUSB0
  stroke: 6in
  min: 1000
  max: 15000
  invert: false
storage:
  driver: file
  path: ./data
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestManager(path string, env map[string]string) *Manager {
	m := NewManager(path)
	m.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return m
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "motionsync.yaml", sampleYAML)
	cfg, err := newTestManager(p, nil).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Playback.ScriptOffsetMs != -120 || !cfg.Playback.Looping {
		t.Fatalf("playback = %+v", cfg.Playback)
	}
	if cfg.Remote.TimeoutOrDefault() != 5*time.Second || cfg.Remote.Samples() != 30 {
		t.Fatalf("remote timeout=%v samples=%d", cfg.Remote.TimeoutOrDefault(), cfg.Remote.Samples())
	}
	dp := cfg.Local.DeviceParams()
	if dp.Min != 1000 || dp.Max != 15000 || dp.Invert || dp.Smoothness != 30 {
		t.Fatalf("device params = %+v", dp)
	}
	if cfg.Local.BaudOrDefault() != 115200 || cfg.Local.CommandInterval() != 10*time.Millisecond {
		t.Fatalf("local defaults not applied: %+v", cfg.Local)
	}
	if !cfg.Remote.IsEnabled() || !cfg.Local.IsEnabled() {
		t.Fatal("sections should default to enabled")
	}
}

func TestLoadJSONStrict(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"playback":{"offset":1}}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing data"},
		{"bad level", `{"logging":{"level":"LOUD"}}`, "logging.level"},
		{"bad duration", `{"remote":{"timeout":"soon"}}`, "remote.timeout"},
		{"max past stroke", `{"local":{"stroke":"4in","min":0,"max":12000}}`, "local.max"},
		{"unknown stroke", `{"local":{"stroke":"9in"}}`, "local.stroke"},
		{"bad driver", `{"storage":{"driver":"redis","path":"x"}}`, "storage.driver"},
		{"storage path", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, dir, "c.json", tc.body)
			_, err := newTestManager(p, nil).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestEmptyYAMLUsesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "empty.yml", "")
	cfg, err := newTestManager(p, nil).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Playback.App() != "motionsync" || cfg.Storage != nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesConnectionKey(t *testing.T) {
	p := writeFile(t, t.TempDir(), "motionsync.yaml", sampleYAML)
	cfg, err := newTestManager(p, map[string]string{EnvConnectionKey: " from-env "}).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.ConnectionKey != "from-env" {
		t.Fatalf("key = %q", cfg.Remote.ConnectionKey)
	}

	cfg, err = newTestManager(p, map[string]string{EnvConnectionKey: ""}).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.ConnectionKey != "abc" {
		t.Fatalf("empty env should not override, got %q", cfg.Remote.ConnectionKey)
	}
}

func TestRemoteSchedule(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultSyncSchedule},
		{"  ", DefaultSyncSchedule},
		{"off", ""},
		{"Disabled", ""},
		{" 0 */5 * * * * ", "0 */5 * * * *"},
	}
	for _, tt := range tests {
		if got := (RemoteConfig{SyncSchedule: tt.in}).Schedule(); got != tt.want {
			t.Errorf("Schedule(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	p := writeFile(t, t.TempDir(), "motionsync.yaml", sampleYAML)
	m := newTestManager(p, nil)
	a, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Parse()

	if c := Summarize(a, b); !c.Empty() {
		t.Fatalf("identical configs changed: %v", c.Sections)
	}

	b.Playback.ScriptOffsetMs = 50
	smooth := 10.0
	b.Local.Smoothness = &smooth
	b.Remote.ConnectionKey = "other"
	c := Summarize(a, b)
	if !slices.Equal(c.Sections, []string{"local", "playback", "remote"}) {
		t.Fatalf("sections = %v", c.Sections)
	}
	if !c.Playback || !c.DeviceParams || c.Logging {
		t.Fatalf("flags = %+v", c)
	}
	if !slices.Equal(c.Restart, []string{"remote"}) {
		t.Fatalf("restart = %v", c.Restart)
	}

	b2, _ := m.Parse()
	b2.Local.Port = "/dev/ttyACM0"
	c = Summarize(a, b2)
	if c.DeviceParams || !slices.Equal(c.Restart, []string{"local.device"}) {
		t.Fatalf("port change = %+v", c)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "motionsync.yaml", sampleYAML)
	m := newTestManager(p, nil)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Playback.ScriptOffsetMs == 999 {
			return errors.New("rejected")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "motionsync.yaml", strings.Replace(sampleYAML, "-120", "999", 1))
	writeFile(t, dir, "motionsync.yaml", strings.Replace(sampleYAML, "-120", "250", 1))

	select {
	case cfg := <-sub:
		if cfg.Playback.ScriptOffsetMs != 250 {
			t.Fatalf("offset = %d", cfg.Playback.ScriptOffsetMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Playback.ScriptOffsetMs != 250 {
		t.Fatalf("committed offset = %d", m.Get().Playback.ScriptOffsetMs)
	}

	writeFile(t, dir, "motionsync.yaml", "logging: [")
	time.Sleep(200 * time.Millisecond)
	if m.Get().Playback.ScriptOffsetMs != 250 {
		t.Fatal("broken file replaced the committed config")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("unsubscribe should close the channel")
	}
}
