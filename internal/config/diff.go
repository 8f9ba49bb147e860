package config

import (
	"reflect"
	"sort"
	"strings"

	logx "motionsync/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
	// Attrs are safe to log; the connection key is never included.
	Attrs []logx.Field

	Logging      bool
	Playback     bool
	DeviceParams bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	section := func(name string) {
		for _, s := range c.Sections {
			if s == name {
				return
			}
		}
		c.Sections = append(c.Sections, name)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Logging = true
		section("logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Playback != newCfg.Playback {
		section("playback")
		if oldCfg.Playback.ScriptOffsetMs != newCfg.Playback.ScriptOffsetMs ||
			oldCfg.Playback.Looping != newCfg.Playback.Looping {
			c.Playback = true
		}
		if oldCfg.Playback.App() != newCfg.Playback.App() {
			c.Restart = append(c.Restart, "playback.app_name")
		}
		c.Attrs = append(c.Attrs,
			logx.Int64("playback.script_offset_ms", newCfg.Playback.ScriptOffsetMs),
			logx.Bool("playback.looping", newCfg.Playback.Looping),
		)
	}

	or, nr := oldCfg.Remote, newCfg.Remote
	keyChanged := strings.TrimSpace(or.ConnectionKey) != strings.TrimSpace(nr.ConnectionKey)
	if or.IsEnabled() != nr.IsEnabled() || keyChanged ||
		or.APIBase != nr.APIBase || or.UploadURL != nr.UploadURL ||
		or.TimeoutOrDefault() != nr.TimeoutOrDefault() ||
		or.Schedule() != nr.Schedule() || or.Samples() != nr.Samples() {
		section("remote")
		c.Restart = append(c.Restart, "remote")
		c.Attrs = append(c.Attrs,
			logx.Bool("remote.enabled", nr.IsEnabled()),
			logx.Bool("remote.key_set", strings.TrimSpace(nr.ConnectionKey) != ""),
			logx.Bool("remote.key_changed", keyChanged),
			logx.String("remote.sync_schedule", nr.Schedule()),
		)
	}

	ol, nl := oldCfg.Local, newCfg.Local
	if ol.DeviceParams() != nl.DeviceParams() {
		c.DeviceParams = true
		section("local")
		p := nl.DeviceParams()
		c.Attrs = append(c.Attrs,
			logx.Float64("local.min", p.Min),
			logx.Float64("local.max", p.Max),
			logx.Float64("local.smoothness", p.Smoothness),
			logx.Bool("local.invert", p.Invert),
		)
	}
	if ol.IsEnabled() != nl.IsEnabled() || ol.Port != nl.Port ||
		ol.BaudOrDefault() != nl.BaudOrDefault() || !strings.EqualFold(ol.Stroke, nl.Stroke) ||
		ol.CommandInterval() != nl.CommandInterval() || ol.QueueSizeOrDefault() != nl.QueueSizeOrDefault() {
		section("local")
		c.Restart = append(c.Restart, "local.device")
		c.Attrs = append(c.Attrs,
			logx.Bool("local.enabled", nl.IsEnabled()),
			logx.String("local.port", nl.Port),
		)
	}

	var oDriver, nDriver, oPath, nPath, oBusy, nBusy string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath, oBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if oDriver != nDriver || oPath != nPath || oBusy != nBusy {
		section("storage")
		c.Restart = append(c.Restart, "storage")
		c.Attrs = append(c.Attrs, logx.String("storage.driver", nDriver))
	}

	sort.Strings(c.Sections)
	return c
}
