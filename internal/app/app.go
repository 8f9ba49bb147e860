package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"motionsync/internal/clocksync"
	"motionsync/internal/config"
	"motionsync/internal/eventbus"
	"motionsync/internal/localplay"
	"motionsync/internal/remote/handy"
	"motionsync/internal/runtime/supervisor"
	"motionsync/internal/script"
	"motionsync/internal/session"
	"motionsync/internal/storage"
	logx "motionsync/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sess   *session.Session
	local  *session.LocalBackend
	remote *session.RemoteBackend
	clock  *clocksync.Service

	scripts *http.Client
	stopped atomic.Bool
}

// Option adjusts construction, mostly for tests.
type Option func(*options)

type options struct {
	rodOpener  session.RodOpener
	openerSet  bool
	httpClient *http.Client
}

// WithRodOpener replaces the serial opener derived from the config. A nil
// opener forces simulation.
func WithRodOpener(open session.RodOpener) Option {
	return func(o *options) { o.rodOpener, o.openerSet = open, true }
}

// WithHTTPClient sets the client used for remote API calls and script fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		scripts: o.httpClient,
	}
	if a.scripts == nil {
		a.scripts = &http.Client{Timeout: cfg.Remote.TimeoutOrDefault()}
	}

	var backends []session.Backend
	if cfg.Remote.IsEnabled() && strings.TrimSpace(cfg.Remote.ConnectionKey) != "" {
		hc := mapHandyConfig(cfg)
		hc.HTTPClient = o.httpClient
		client := handy.New(hc, log.With(logx.String("comp", "handy")))
		a.remote = session.NewRemote(client, cfg.Playback.App(), log.With(logx.String("comp", "remote")))
		backends = append(backends, a.remote)
	} else if cfg.Remote.IsEnabled() {
		log.Warn("remote enabled without a connection key; remote playback off",
			logx.String("env", config.EnvConnectionKey))
	}

	if cfg.Local.IsEnabled() {
		opener := rodOpener(cfg, bus, log.With(logx.String("comp", "knockrod")))
		if o.openerSet {
			opener = o.rodOpener
		}
		sched := localplay.New(cfg.Local.DeviceParams(), localplay.Options{
			Logger: log.With(logx.String("comp", "localplay")),
			Bus:    bus,
		})
		a.local = session.NewLocal(sched, opener, log.With(logx.String("comp", "local")))
		backends = append(backends, a.local)
	}

	a.sess = session.New(session.Options{
		Logger:       log.With(logx.String("comp", "session")),
		Bus:          bus,
		ScriptOffset: cfg.Playback.ScriptOffsetMs,
		Looping:      cfg.Playback.Looping,
	}, backends...)

	if a.remote != nil {
		a.clock, err = clocksync.New(mapClockConfig(cfg), a.sess, store, log.With(logx.String("comp", "clocksync")))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func (a *App) Session() *session.Session { return a.sess }
func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Config() *config.Config    { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the background machinery: journal, config watch and reload.
// Devices are attached by Connect.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if spec := cfg.Remote.Schedule(); spec != "" {
			if _, err := clocksync.ParseSchedule(spec); err != nil {
				return err
			}
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("events.journal", func(c context.Context) {
		defer unsub()
		a.journal(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("run_id", a.sess.RunID()), logx.String("config", a.cfgm.Path()))
	return nil
}

// Connect attaches the devices and seeds the server clock offset: the cached
// value first, then a fresh measurement in the background. Remote failures
// are returned; the local side degrades to simulation on its own.
func (a *App) Connect(ctx context.Context) error {
	if a.clock != nil {
		a.clock.Restore(ctx, a.sess.SetServerTimeOffset)
	}
	err := a.sess.Connect(ctx)
	if a.clock == nil || a.sup == nil {
		return err
	}
	if err == nil {
		a.sup.Go0("clocksync.initial", func(c context.Context) {
			if _, err := a.clock.RunOnce(c); err != nil {
				a.log.Warn("initial clock sync failed", logx.Err(err))
			}
		})
	}
	if serr := a.clock.Start(a.sup.Context()); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// LoadScript loads a funscript from a path or http(s) URL into the session.
func (a *App) LoadScript(ctx context.Context, location string) error {
	tl, err := script.Load(ctx, a.scripts, location)
	if err != nil {
		return err
	}
	return a.sess.LoadScript(ctx, tl)
}

// Sync remeasures the server clock offset now.
func (a *App) Sync(ctx context.Context) (int64, error) {
	if a.clock == nil {
		return 0, errors.New("no remote device configured")
	}
	return a.clock.RunOnce(ctx)
}

// journal writes bus events to storage and traces them.
// Local moves are too frequent to keep.
func (a *App) journal(ctx context.Context, events <-chan eventbus.Event) {
	runID := a.sess.RunID()
	write := func(e eventbus.Event) {
		a.log.Trace("event", logx.String("kind", string(e.Kind)), logx.String("source", e.Source))
		if a.store == nil || e.Kind == eventbus.KindLocalMove {
			return
		}
		// detached: the final events arrive while the app is stopping
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		err := a.store.AppendEvent(wctx, storage.Event{
			At:     e.Time,
			RunID:  runID,
			Kind:   string(e.Kind),
			Source: e.Source,
			Data:   e.Data,
		})
		if err != nil {
			a.log.Warn("journal append failed", logx.String("kind", string(e.Kind)), logx.Err(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			// drain what was published before the stop
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break coalesce
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies the live parts of a reload and warns about the rest.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if ch.Logging {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Playback {
		a.sess.SetScriptOffset(next.Playback.ScriptOffsetMs)
		if prev == nil || prev.Playback.Looping != next.Playback.Looping {
			if err := a.sess.SetLooping(ctx, next.Playback.Looping); err != nil {
				a.log.Warn("apply looping failed", logx.Err(err))
			}
		}
	}
	if ch.DeviceParams {
		if err := a.sess.SetDeviceParams(next.Local.DeviceParams()); err != nil {
			a.log.Warn("invalid device params; keeping previous", logx.Err(err))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop releases the devices first so the motor is off even when a later
// step stalls, then drains the journal and closes storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	_ = a.step(ctx, "clocksync", time.Second, func(c context.Context) error {
		if a.clock == nil {
			return nil
		}
		return a.clock.Stop(c)
	})
	// the motor is released even when the caller's budget is already spent
	err := a.step(context.WithoutCancel(ctx), "session", 3*time.Second, a.sess.Dispose)

	a.sup.Cancel()
	_ = a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	_ = a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// step runs one shutdown step bounded by max and never past ctx's deadline.
// A step that overruns keeps running; its late result is only logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return fmt.Errorf("stop step %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop step %s: %w", name, stepCtx.Err())
	}
}
