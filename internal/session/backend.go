package session

import (
	"context"

	"motionsync/internal/script"
)

// Backend is one device the session drives. Implementations catch their own
// transport errors; anything returned here is reported once to the caller.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Load(ctx context.Context, tl *script.Timeline) error
	Play(ctx context.Context, req PlayRequest) error
	Pause(ctx context.Context) error
	Playing() bool
	SetLooping(ctx context.Context, looping bool) error
	Dispose(ctx context.Context) error
}

// PlayRequest carries everything a backend needs to start at a media position.
type PlayRequest struct {
	AtSeconds float64
	Rate      float64

	// ScriptOffset is added to the media position, in milliseconds.
	ScriptOffset int64
	// ServerTimeOffset is the estimated server clock minus the local clock, in
	// milliseconds.
	ServerTimeOffset int64
}

// degradable backends fail soft: their errors are logged, not returned.
type degradable interface {
	Degradable() bool
}

func isDegradable(b Backend) bool {
	d, ok := b.(degradable)
	return ok && d.Degradable()
}

// clientScheduled backends time their own moves on this host and never block
// on the network. The session drives them first and under its lock.
type clientScheduled interface {
	ClientScheduled() bool
}

func isClientScheduled(b Backend) bool {
	c, ok := b.(clientScheduled)
	return ok && c.ClientScheduled()
}

type clockSource interface {
	ServerTimeOffset(ctx context.Context, samples int) (int64, error)
}
