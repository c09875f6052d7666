package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workd/internal/app"
	"workd/internal/work"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Built-in runners. Embedding programs register their own before Start.
	reg := a.Runners()
	_ = reg.Register("noop", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return nil, nil
	})
	_ = reg.Register("sleep", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		d, err := time.ParseDuration(input["duration"])
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		select {
		case <-time.After(d):
			return work.Payload{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopSignal)
}
