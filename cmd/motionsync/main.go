package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"motionsync/internal/app"
	logx "motionsync/pkg/logx"
	"motionsync/pkg/systemd"
)

type options struct {
	cfgPath   string
	script    string
	at        float64
	rate      float64
	exitOnEOF bool
}

func main() {
	var (
		o       options
		envFile string
	)
	flag.StringVar(&o.cfgPath, "config", "./motionsync.yaml", "path to config (json or yaml)")
	flag.StringVar(&o.script, "script", "", "funscript path or http(s) url")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file")
	flag.Float64Var(&o.at, "at", 0, "media position in seconds to start at")
	flag.Float64Var(&o.rate, "rate", 1, "playback rate")
	flag.BoolVar(&o.exitOnEOF, "exit-on-eof", false, "stop when stdin closes instead of waiting for a signal")
	flag.Parse()

	// a missing .env is normal
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warn: .env:", err)
	}

	os.Exit(run(o))
}

// signalContext is cancelled by SIGINT or SIGTERM. The returned func reports
// which one arrived and is meaningful once ctx is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc, func() app.StopReason) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	got := make(chan app.StopReason, 1)
	go func() {
		select {
		case sig := <-ch:
			if sig == syscall.SIGTERM {
				got <- app.StopSIGTERM
			} else {
				got <- app.StopSIGINT
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	reason := func() app.StopReason {
		select {
		case r := <-got:
			return r
		default:
			return app.StopSIGINT
		}
	}
	return ctx, func() { signal.Stop(ch); cancel() }, reason
}

func run(o options) int {
	ctx, cancel, signalReason := signalContext(context.Background())
	defer cancel()

	a, err := app.NewApp(o.cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}
	if err := a.Connect(ctx); err != nil {
		log.Warn("connect failed; continuing with what is available", logx.Err(err))
	}
	if o.script != "" {
		if err := a.LoadScript(ctx, o.script); err != nil {
			log.Error("load script failed", logx.String("script", o.script), logx.Err(err))
		} else if err := a.Session().Play(ctx, o.at, o.rate); err != nil {
			log.Warn("play failed", logx.Err(err))
		}
	}
	if _, err := systemd.Ready(); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
	st := a.Session().Status()
	_, _ = systemd.Status("%s, %d keyframes", st.State, st.Keyframes)
	go systemd.Watchdog(ctx, func() bool { return a.Err() == nil })

	stopped := func() app.StopReason {
		if ctx.Err() != nil {
			return signalReason()
		}
		return app.StopFatalError
	}
	wait := func() app.StopReason {
		select {
		case <-ctx.Done():
		case <-a.Done():
		}
		return stopped()
	}

	var reason app.StopReason
	done := make(chan error, 1)
	go func() { done <- console(ctx, a, os.Stdin, os.Stdout) }()
	select {
	case err := <-done:
		switch {
		case errors.Is(err, errQuit):
			reason = app.StopQuit
		case errors.Is(err, io.EOF) && o.exitOnEOF:
			reason = app.StopInputEOF
		case ctx.Err() != nil:
			reason = signalReason()
		default:
			// stdin closed or failed: keep playing until signaled
			if !errors.Is(err, io.EOF) {
				log.Warn("console stopped", logx.Err(err))
			}
			reason = wait()
		}
	case <-ctx.Done():
		reason = signalReason()
	case <-a.Done():
		reason = stopped()
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	code := 0
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		code = 1
	}
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		code = 1
	}
	return code
}
