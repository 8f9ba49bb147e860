package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"motionsync/internal/session"
)

var errQuit = errors.New("quit")

type command struct {
	name  string
	at    float64
	rate  float64
	on    bool
	ms    int64
	where string
}

const usage = `commands:
  play <sec> [rate]    start at a media position
  ensure <sec> [rate]  start unless already playing
  pause
  loop on|off
  offset <ms>          script offset, applied from the next play
  sync                 remeasure the server clock offset
  load <path|url>      load another script
  state
  quit`

func parseCommand(line string) (command, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return command{}, nil
	}
	c := command{name: strings.ToLower(f[0]), rate: 1}
	args := f[1:]
	switch c.name {
	case "play", "ensure":
		if len(args) < 1 || len(args) > 2 {
			return c, fmt.Errorf("%s: want <sec> [rate]", c.name)
		}
		at, err := parseFinite(args[0])
		if err != nil || at < 0 {
			return c, fmt.Errorf("%s: bad position %q", c.name, args[0])
		}
		c.at = at
		if len(args) == 2 {
			r, err := parseFinite(args[1])
			if err != nil || r <= 0 {
				return c, fmt.Errorf("%s: bad rate %q", c.name, args[1])
			}
			c.rate = r
		}
	case "loop":
		if len(args) != 1 {
			return c, errors.New("loop: want on|off")
		}
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			c.on = true
		case "off", "false", "0":
		default:
			return c, fmt.Errorf("loop: want on|off, got %q", args[0])
		}
	case "offset":
		if len(args) != 1 {
			return c, errors.New("offset: want <ms>")
		}
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return c, fmt.Errorf("offset: bad value %q", args[0])
		}
		c.ms = ms
	case "load":
		if len(args) != 1 {
			return c, errors.New("load: want <path|url>")
		}
		c.where = args[0]
	case "pause", "sync", "state", "quit", "exit", "help":
		if len(args) != 0 {
			return c, fmt.Errorf("%s takes no arguments", c.name)
		}
	default:
		return c, fmt.Errorf("unknown command %q (try help)", c.name)
	}
	return c, nil
}

// parseFinite rejects NaN and the infinities that ParseFloat accepts.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return v, nil
}

// player is the part of the app the console drives.
type player interface {
	Session() *session.Session
	LoadScript(ctx context.Context, location string) error
	Sync(ctx context.Context) (int64, error)
}

func execute(ctx context.Context, p player, c command, out io.Writer) error {
	s := p.Session()
	switch c.name {
	case "":
		return nil
	case "play":
		return s.Play(ctx, c.at, c.rate)
	case "ensure":
		return s.EnsurePlaying(ctx, c.at, c.rate)
	case "pause":
		return s.Pause(ctx)
	case "loop":
		return s.SetLooping(ctx, c.on)
	case "offset":
		s.SetScriptOffset(c.ms)
		return nil
	case "sync":
		off, err := p.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "server clock offset %d ms\n", off)
		return nil
	case "load":
		return p.LoadScript(ctx, c.where)
	case "state":
		printStatus(out, s.Status())
		return nil
	case "help":
		fmt.Fprintln(out, usage)
		return nil
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unhandled command %q", c.name)
}

func printStatus(out io.Writer, st session.Status) {
	fmt.Fprintf(out, "run %s: %s, %d keyframes, offset %d ms, server offset %d ms, looping %t\n",
		st.RunID, st.State, st.Keyframes, st.ScriptOffset, st.ServerTimeOffset, st.Looping)
	for name, playing := range st.Backends {
		fmt.Fprintf(out, "  %s playing=%t\n", name, playing)
	}
	if st.Local != nil {
		fmt.Fprintf(out, "  local %s\n", st.Local.String())
	}
}

// console reads commands until quit, EOF or ctx is done. Command errors are
// printed and do not end the loop.
func console(ctx context.Context, p player, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return err
				}
				return io.EOF
			}
			c, err := parseCommand(line)
			if err == nil {
				err = execute(ctx, p, c, out)
			}
			if errors.Is(err, errQuit) {
				return errQuit
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}
