package config

import (
	"errors"
	"fmt"
	"strings"

	"motionsync/internal/device/knockrod"
	logx "motionsync/pkg/logx"
)

// Validate checks everything that can be checked without touching a device.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if _, err := ParseDurationField("remote.timeout", cfg.Remote.Timeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Remote.SyncSamples < 0 {
		errs = append(errs, errors.New("remote.sync_samples: must be >= 0"))
	}

	stroke, err := knockrod.ParseStroke(cfg.Local.Stroke)
	if err != nil {
		errs = append(errs, fmt.Errorf("local.stroke: %w", err))
	}
	p := cfg.Local.DeviceParams()
	if err := p.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("local: %w", err))
	} else if stroke != "" && p.Max > stroke.MaxUnits() {
		errs = append(errs, fmt.Errorf("local.max: %v exceeds the %s stroke (%v)", p.Max, stroke, stroke.MaxUnits()))
	}
	if _, err := ParseDurationField("local.min_command_interval", cfg.Local.MinCommandInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.Local.Baud < 0 {
		errs = append(errs, errors.New("local.baud: must be >= 0"))
	}
	if cfg.Local.QueueSize < 0 {
		errs = append(errs, errors.New("local.queue_size: must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "disabled", "off":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
