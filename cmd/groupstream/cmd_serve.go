package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/groupstream/internal/api"
	"github.com/user/groupstream/internal/backend"
	"github.com/user/groupstream/internal/config"
	ctxengine "github.com/user/groupstream/internal/context"
	"github.com/user/groupstream/internal/gateway"
	"github.com/user/groupstream/internal/hub"
	"github.com/user/groupstream/internal/runtime"
	"github.com/user/groupstream/internal/scheduler"
	"github.com/user/groupstream/internal/stream"
	"github.com/user/groupstream/pkg/llm"
	"github.com/user/groupstream/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and run workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidFile(dataDir string) string {
	return filepath.Join(dataDir, "groupstream.pid")
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFile(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := backend.Open(ctx, cfg, backend.WithQueueRecovery())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer stores.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	h := hub.New(cfg.Stream.HubBuffer)

	// Pipelines
	llmCfg := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	if cfg.LLM.Provider != "openai" {
		return fmt.Errorf("unsupported llm.provider %q", cfg.LLM.Provider)
	}
	if err := llmCfg.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}
	provider := openai.New(llmCfg)
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}
	registry := runtime.NewRegistry()
	registry.Register(runtime.NewChatPipeline(provider, engine, stores.Messages, cfg.LLM.HistoryLimit))
	if cfg.LLM.APIKey == "" {
		slog.Warn("no LLM API key configured; chat runs will fail upstream")
	}

	pool := runtime.NewPool(runtime.Deps{
		Runs:     stores.Runs,
		Events:   stores.Events,
		Queue:    stores.Queue,
		Messages: stores.Messages,
		Hub:      h,
		Registry: registry,
	}, runtime.Options{
		Workers:            cfg.Runs.Workers,
		DequeueTimeout:     cfg.Runs.DequeueTimeout.Std(),
		CancelPollInterval: cfg.Runs.CancelPollInterval.Std(),
		SnapshotEvery:      cfg.Runs.SnapshotEvery,
	})

	gw := gateway.New(gateway.Deps{
		Sequence:        stores.Sequence,
		Runs:            stores.Runs,
		Queue:           stores.Queue,
		Messages:        stores.Messages,
		Hub:             h,
		Kinds:           registry,
		MaxContentBytes: cfg.Runs.MaxContentBytes,
	})

	streamOpts := stream.Options{
		BatchSize:    cfg.Stream.BatchSize,
		Idle:         cfg.Stream.IdleInterval.Std(),
		Keepalive:    cfg.Stream.Keepalive.Std(),
		WriteTimeout: cfg.Stream.WriteTimeout.Std(),
	}
	handler := api.NewServer(api.Deps{
		Gateway:     gw,
		RunStream:   stream.NewRunStreamer(stores.Runs, stores.Events, streamOpts),
		GroupStream: stream.NewGroupStreamer(h, stores.Messages, streamOpts),
		Ping:        stores.Ping,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})

	sched := scheduler.New(maintenanceJobs(cfg, stores)...)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Streams get their own context so they can be ended before the
	// server waits for open connections to drain.
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Std(),
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	g := new(errgroup.Group)
	g.Go(func() error { return pool.Run(workerCtx) })
	g.Go(func() error {
		slog.Info("http server started", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopWorkers()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	slog.Info("groupstream started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"workers", cfg.Runs.Workers,
		"backend", cfg.Storage.Backend,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	restart := waitForSignal(workerCtx)

	slog.Info("shutting down")
	endStreams()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	stopWorkers()
	if err := g.Wait(); err != nil {
		return err
	}

	if restart {
		sched.Stop()
		stores.Close()
		os.Remove(pidPath)
		return reexec()
	}
	return nil
}

// waitForSignal blocks until SIGINT, SIGTERM or SIGHUP arrives or ctx ends.
// It reports whether a restart was requested.
func waitForSignal(ctx context.Context) bool {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("received signal", "signal", sig)
		return sig == syscall.SIGHUP
	case <-ctx.Done():
		return false
	}
}

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	slog.Info("restarting", "exec", execPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}

// maintenanceJobs returns the periodic jobs: the run reconciler and, for the
// local backend, the purge of expired run files.
func maintenanceJobs(cfg *config.Config, stores *backend.Stores) []scheduler.Job {
	reconciler := runtime.NewReconciler(stores.Runs, stores.Events, stores.Queue,
		cfg.Runs.ReconcileGrace.Std(), cfg.Runs.StaleAfter.Std())

	jobs := []scheduler.Job{{
		Name:     "reconcile",
		Schedule: cfg.Runs.ReconcileSchedule,
		Run: func(ctx context.Context) error {
			requeued, failed, err := reconciler.Sweep(ctx)
			if requeued > 0 || failed > 0 {
				slog.Info("reconciled runs", "requeued", requeued, "failed", failed)
			}
			return err
		},
	}}
	if stores.Purge != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "purge",
			Schedule: cfg.Runs.PurgeSchedule,
			Run: func(ctx context.Context) error {
				start := time.Now()
				n, err := stores.Purge(ctx)
				if n > 0 {
					slog.Info("purged expired runs", "count", n, "duration", time.Since(start))
				}
				return err
			},
		})
	}
	return jobs
}
