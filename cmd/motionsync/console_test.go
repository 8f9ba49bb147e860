package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionsync/internal/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr string
	}{
		{line: "", want: command{}},
		{line: "  play 12.5 ", want: command{name: "play", at: 12.5, rate: 1}},
		{line: "PLAY 3 1.5", want: command{name: "play", at: 3, rate: 1.5}},
		{line: "ensure 0", want: command{name: "ensure", rate: 1}},
		{line: "loop on", want: command{name: "loop", on: true, rate: 1}},
		{line: "loop off", want: command{name: "loop", rate: 1}},
		{line: "offset -120", want: command{name: "offset", ms: -120, rate: 1}},
		{line: "load https://x/y.funscript", want: command{name: "load", where: "https://x/y.funscript", rate: 1}},
		{line: "state", want: command{name: "state", rate: 1}},
		{line: "play", wantErr: "want <sec>"},
		{line: "play -1", wantErr: "bad position"},
		{line: "play 1 0", wantErr: "bad rate"},
		{line: "play NaN", wantErr: "bad position"},
		{line: "play +Inf", wantErr: "bad position"},
		{line: "ensure 1 Inf", wantErr: "bad rate"},
		{line: "play 1 nan", wantErr: "bad rate"},
		{line: "loop maybe", wantErr: "want on|off"},
		{line: "offset 1.5", wantErr: "bad value"},
		{line: "pause now", wantErr: "no arguments"},
		{line: "jump", wantErr: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakePlayer struct {
	sess   *session.Session
	loaded []string
	syncs  int
}

func (p *fakePlayer) Session() *session.Session { return p.sess }

func (p *fakePlayer) LoadScript(_ context.Context, location string) error {
	p.loaded = append(p.loaded, location)
	return nil
}

func (p *fakePlayer) Sync(context.Context) (int64, error) {
	p.syncs++
	return 42, nil
}

func TestConsoleRunsUntilQuit(t *testing.T) {
	p := &fakePlayer{sess: session.New(session.Options{})}
	in := strings.NewReader("offset 250\nloop on\nbogus\nplay 1\nsync\nload clip.funscript\nstate\nquit\nstate\n")
	var out bytes.Buffer

	err := console(context.Background(), p, in, &out)
	require.ErrorIs(t, err, errQuit)

	st := p.sess.Status()
	assert.Equal(t, int64(250), st.ScriptOffset)
	assert.True(t, st.Looping)
	assert.Equal(t, []string{"clip.funscript"}, p.loaded)
	assert.Equal(t, 1, p.syncs)

	text := out.String()
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Contains(t, text, "no script loaded")
	assert.Contains(t, text, "server clock offset 42 ms")
	assert.Equal(t, 1, strings.Count(text, "run "+p.sess.RunID()), "nothing runs after quit")
}

func TestConsoleReturnsEOF(t *testing.T) {
	p := &fakePlayer{sess: session.New(session.Options{})}
	err := console(context.Background(), p, strings.NewReader("pause\n"), io.Discard)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestConsoleStopsOnCancel(t *testing.T) {
	p := &fakePlayer{sess: session.New(session.Options{})}
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- console(ctx, p, pr, io.Discard) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
}
