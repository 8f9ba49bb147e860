package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"motionsync/internal/clocksync"
	"motionsync/internal/config"
	"motionsync/internal/device/knockrod"
	"motionsync/internal/eventbus"
	"motionsync/internal/remote/handy"
	"motionsync/internal/session"
	logx "motionsync/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHandyConfig(cfg *config.Config) handy.Config {
	return handy.Config{
		BaseURL:       strings.TrimSpace(cfg.Remote.APIBase),
		UploadURL:     strings.TrimSpace(cfg.Remote.UploadURL),
		ConnectionKey: strings.TrimSpace(cfg.Remote.ConnectionKey),
		Timeout:       cfg.Remote.TimeoutOrDefault(),
	}
}

func mapClockConfig(cfg *config.Config) clocksync.Config {
	return clocksync.Config{
		Schedule: cfg.Remote.Schedule(),
		Samples:  cfg.Remote.Samples(),
		Key:      clockKey(cfg.Remote.ConnectionKey),
	}
}

// clockKey names a device in the offset cache without storing its key.
func clockKey(connectionKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(connectionKey)))
	return fmt.Sprintf("handy:%016x", h.Sum64())
}

// rodOpener returns nil (simulation) when no serial port is configured.
func rodOpener(cfg *config.Config, bus eventbus.Bus, log logx.Logger) session.RodOpener {
	port := strings.TrimSpace(cfg.Local.Port)
	if port == "" {
		return nil
	}
	lc := cfg.Local
	return func(ctx context.Context) (session.Rod, error) {
		stroke, err := knockrod.ParseStroke(lc.Stroke)
		if err != nil {
			return nil, err
		}
		dev, err := knockrod.Open(ctx, knockrod.Options{
			Port:               port,
			Baud:               lc.BaudOrDefault(),
			Stroke:             stroke,
			MinCommandInterval: lc.CommandInterval(),
			QueueSize:          lc.QueueSizeOrDefault(),
			Logger:             log,
			Bus:                bus,
		})
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}
