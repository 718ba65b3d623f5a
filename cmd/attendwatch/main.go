package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"attendwatch/internal/app"
	"attendwatch/internal/config"
	"attendwatch/internal/eventbus"
	"attendwatch/internal/stream"
	"attendwatch/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envFile string
		check   bool
	)
	flag.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; missing file is ignored")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: env file:", err)
		os.Exit(1)
	}

	if check {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid config:", err)
			os.Exit(1)
		}
		fmt.Printf("config ok: stream=%s api=%s\n", cfg.Stream.URL, cfg.API.BaseURL)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var sd systemd.Notifier
	_, _ = sd.Ready()
	go sd.Watchdog(ctx)
	go reportStatus(ctx, sd, a.Bus())

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = sd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// reportStatus mirrors the connection state into the systemd status line.
func reportStatus(ctx context.Context, sd systemd.Notifier, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(8, eventbus.TopicStreamState)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			st, ok := e.Data.(stream.Status)
			if !ok {
				continue
			}
			line := "stream " + st.State.String()
			if st.LastError != "" && st.State != stream.Connected {
				line += ": " + st.LastError
			}
			_, _ = sd.Status(line)
		}
	}
}
