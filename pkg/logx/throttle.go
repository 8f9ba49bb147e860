package logx

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Throttled wraps a Logger with a token bucket so hot loops can log failures
// without flooding the sinks. Suppressed lines are counted and reported as
// "suppressed" on the next line that gets through.
type Throttled struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottled allows burst lines at once and then one line per every.
func NewThrottled(log Logger, every time.Duration, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), burst)
	}
	return &Throttled{log: log, lim: lim}
}

func (t *Throttled) Debug(msg string, fields ...Field) { t.emit(zerolog.DebugLevel, msg, fields...) }
func (t *Throttled) Info(msg string, fields ...Field)  { t.emit(zerolog.InfoLevel, msg, fields...) }
func (t *Throttled) Warn(msg string, fields ...Field)  { t.emit(zerolog.WarnLevel, msg, fields...) }

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *Throttled) Suppressed() uint64 { return t.suppressed.Load() }

func (t *Throttled) emit(level zerolog.Level, msg string, fields ...Field) {
	if t == nil {
		return
	}
	if !t.log.Enabled(level) {
		return
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	t.log.logSkip(4, level, msg, fields...)
}
