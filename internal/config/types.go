package config

import (
	"strings"
	"time"

	"motionsync/internal/motion"
)

// EnvConnectionKey overrides remote.connection_key when set.
const EnvConnectionKey = "MOTIONSYNC_CONNECTION_KEY"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Playback PlaybackConfig `json:"playback"`
	Remote   RemoteConfig   `json:"remote"`
	Local    LocalConfig    `json:"local"`

	// Storage is optional; nil disables the journal.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlaybackConfig holds session-wide settings. Offset and looping are applied
// live on reload.
type PlaybackConfig struct {
	ScriptOffsetMs int64  `json:"script_offset_ms"`
	Looping        bool   `json:"looping"`
	AppName        string `json:"app_name,omitempty"` // default: "motionsync"
}

func (p PlaybackConfig) App() string {
	if p.AppName == "" {
		return "motionsync"
	}
	return p.AppName
}

// RemoteConfig configures the cloud-synced device.
//
// Enabled is a pointer so an omitted section defaults to enabled; the
// backend still stays idle without a connection key.
type RemoteConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	ConnectionKey string `json:"connection_key"`
	APIBase       string `json:"api_base,omitempty"`
	UploadURL     string `json:"upload_url,omitempty"`

	// Go duration strings.
	Timeout string `json:"timeout,omitempty"` // default: "10s"

	// SyncSchedule is a cron spec (seconds optional) or descriptor such as
	// "@every 10m". Empty means the default; "off" disables periodic resync.
	SyncSchedule string `json:"sync_schedule,omitempty"`
	SyncSamples  int    `json:"sync_samples,omitempty"` // default: 30
}

func (r RemoteConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

func (r RemoteConfig) TimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("remote.timeout", r.Timeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// DefaultSyncSchedule is used when sync_schedule is empty.
const DefaultSyncSchedule = "@every 10m"

// Schedule returns the effective resync spec, "" when disabled.
func (r RemoteConfig) Schedule() string {
	spec := strings.TrimSpace(r.SyncSchedule)
	switch strings.ToLower(spec) {
	case "":
		return DefaultSyncSchedule
	case "off", "none", "disabled":
		return ""
	}
	return spec
}

func (r RemoteConfig) Samples() int {
	if r.SyncSamples <= 0 {
		return 30
	}
	return r.SyncSamples
}

// LocalConfig configures the serial rod and its position mapping.
//
// Zero min and max select the defaults for the configured stroke; invert
// and smoothness are pointers because false and 0 are meaningful.
type LocalConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Port    string `json:"port"`
	Baud    int    `json:"baud,omitempty"`   // default: 115200
	Stroke  string `json:"stroke,omitempty"` // 8in|6in|4in, default 8in

	Min        float64  `json:"min,omitempty"`
	Max        float64  `json:"max,omitempty"`
	Smoothness *float64 `json:"smoothness,omitempty"`
	Invert     *bool    `json:"invert,omitempty"`

	MinCommandInterval string `json:"min_command_interval,omitempty"` // default: "10ms"
	QueueSize          int    `json:"queue_size,omitempty"`           // default: 16
}

func (l LocalConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }

// DeviceParams resolves the mapping onto device units.
func (l LocalConfig) DeviceParams() motion.DeviceParams {
	p := motion.DefaultParams()
	if l.Min != 0 || l.Max != 0 {
		p.Min, p.Max = l.Min, l.Max
	}
	if l.Smoothness != nil {
		p.Smoothness = *l.Smoothness
	}
	if l.Invert != nil {
		p.Invert = *l.Invert
	}
	return p
}

func (l LocalConfig) BaudOrDefault() int {
	if l.Baud <= 0 {
		return 115200
	}
	return l.Baud
}

func (l LocalConfig) QueueSizeOrDefault() int {
	if l.QueueSize <= 0 {
		return 16
	}
	return l.QueueSize
}

func (l LocalConfig) CommandInterval() time.Duration {
	d, err := ParseDurationOrDefault("local.min_command_interval", l.MinCommandInterval, 10*time.Millisecond)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// StorageConfig controls the session journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/motionsync" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
