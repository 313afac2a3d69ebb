package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/flow"
	"github.com/gatecrash/gatecrash/internal/output"
	"github.com/gatecrash/gatecrash/internal/tracing"
)

const shutdownGrace = 5 * time.Second

type stderrFailureLogger struct {
	mu sync.Mutex
}

func (l *stderrFailureLogger) LogFailure(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "[gatecrash] worker failed: %v\n", err)
}

type stderrWarnLogger struct {
	mu sync.Mutex
}

func (l *stderrWarnLogger) Warn(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "[gatecrash] "+format+"\n", args...)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil && cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[gatecrash] trace shutdown: %v\n", err)
		}
	}()

	opts := []flow.Option{
		flow.WithFailureLogger(&stderrFailureLogger{}),
	}
	if cfg.Verbose {
		opts = append(opts, flow.WithWarnLogger(&stderrWarnLogger{}))
	}
	if provider.Enabled() {
		opts = append(opts, flow.WithTracer(provider.Tracer()))
	}

	machine := flow.New(cfg, opts...)
	report, runErr := machine.Run(ctx)

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(os.Stdout, report); err != nil {
			return err
		}
	} else {
		output.PrintReport(os.Stdout, report)
	}

	return runErr
}
