package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mediadash/internal/app"
	"mediadash/internal/config"
	"mediadash/internal/worker"
	logx "mediadash/pkg/logx"
)

func main() {
	// "mediadash worker --job NAME" is the re-exec entry used by the
	// job runner; everything else is the daemon.
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(workerMain(os.Args[2:]))
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reason := app.StopUnknown
	go func() {
		s := <-sigCh
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
		cancel()
	}()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
		if reason == app.StopUnknown {
			reason = app.StopFatalError
		}
	}

	_ = a.Stop(context.Background(), reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func workerMain(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	jobName := fs.String("job", "", "job name to execute")
	cfgPath := fs.String("config", "./config.json", "path to config file (json or yaml)")
	if err := fs.Parse(args); err != nil {
		return worker.ExitUnknownJob
	}
	if *jobName == "" {
		fmt.Fprintln(os.Stderr, "worker: --job is required")
		return worker.ExitUnknownJob
	}

	log := logx.NewConsole("INFO").With(logx.String("comp", "worker"), logx.String("job", *jobName))

	cfg, err := config.NewManager(*cfgPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: load config:", err)
		return worker.ExitFailed
	}

	reg, err := app.BuildRegistry(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		return worker.ExitFailed
	}

	// SIGTERM from the parent's timeout supervisor cancels job logic;
	// the grace window then bounds how long cleanup may take.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return worker.Main(ctx, reg, *jobName, log)
}
