package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"motionsync/internal/remote/handy"
	"motionsync/internal/script"
	logx "motionsync/pkg/logx"
)

// RemoteBackend plays scripts on a Handy through the HSSP cloud API. The
// device keeps its own clock; playback is started by telling it where to be
// at an estimated server time.
type RemoteBackend struct {
	client  *handy.Client
	appName string
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	ready   bool // script is on the device
	playing bool
}

func NewRemote(client *handy.Client, appName string, log logx.Logger) *RemoteBackend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RemoteBackend{client: client, appName: appName, log: log, now: time.Now}
}

func (r *RemoteBackend) Name() string { return "remote" }

func (r *RemoteBackend) Connect(ctx context.Context) error {
	if !r.client.HasKey() {
		return fmt.Errorf("%w: no connection key configured", handy.ErrConnection)
	}
	info, err := r.client.CheckReady(ctx)
	if err != nil {
		return err
	}
	r.log.Info("handy connected", logx.String("fw", info.FwVersion), logx.String("model", info.Model))
	return nil
}

// Load converts the timeline to CSV, uploads it and sets the device up for
// HSSP. The backend only plays once the device reports the script in place.
func (r *RemoteBackend) Load(ctx context.Context, tl *script.Timeline) error {
	r.mu.Lock()
	r.ready = false
	r.playing = false
	r.mu.Unlock()

	if !r.client.HasKey() {
		return nil
	}
	csv, err := tl.CSV(r.appName, r.now())
	if err != nil {
		return err
	}
	url, err := r.client.Upload(ctx, csv)
	if err != nil {
		return err
	}
	if err := r.client.SetMode(ctx, handy.ModeHSSP); err != nil {
		return fmt.Errorf("set hssp mode: %w", err)
	}
	res, err := r.client.SetupHSSP(ctx, url)
	if err != nil {
		return fmt.Errorf("hssp setup: %w", err)
	}
	if !res.Ready() {
		r.log.Warn("hssp setup did not complete", logx.Int("result", int(res)))
		return nil
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	r.log.Info("script ready on handy", logx.Int("keyframes", tl.Len()))
	return nil
}

func (r *RemoteBackend) Play(ctx context.Context, req PlayRequest) error {
	if !r.isReady() {
		return nil
	}
	start := int64(math.Round(req.AtSeconds*1000 + float64(req.ScriptOffset)))
	estimated := req.ServerTimeOffset + r.now().UnixMilli()
	if err := r.client.PlayHSSP(ctx, start, estimated); err != nil {
		return err
	}
	r.mu.Lock()
	r.playing = true
	r.mu.Unlock()
	return nil
}

func (r *RemoteBackend) Pause(ctx context.Context) error {
	if !r.isReady() {
		return nil
	}
	if err := r.client.StopHSSP(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.playing = false
	r.mu.Unlock()
	return nil
}

func (r *RemoteBackend) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *RemoteBackend) SetLooping(ctx context.Context, looping bool) error {
	if !r.isReady() {
		return nil
	}
	return r.client.SetLoop(ctx, looping)
}

// ServerTimeOffset samples the server clock.
func (r *RemoteBackend) ServerTimeOffset(ctx context.Context, samples int) (int64, error) {
	return r.client.ServerTimeOffset(ctx, samples)
}

func (r *RemoteBackend) Dispose(ctx context.Context) error {
	r.mu.Lock()
	playing := r.playing && r.ready
	r.playing = false
	r.ready = false
	r.mu.Unlock()
	if !playing {
		return nil
	}
	if err := r.client.StopHSSP(ctx); err != nil {
		return fmt.Errorf("remote stop: %w", err)
	}
	return nil
}

func (r *RemoteBackend) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}
