package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openomy/issue-analysis/internal/adapter/driven/llm"
	httphandler "github.com/openomy/issue-analysis/internal/adapter/driving/http"
	"github.com/openomy/issue-analysis/internal/application"
	"github.com/openomy/issue-analysis/internal/config"
	"github.com/openomy/issue-analysis/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP control endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	// 1. Load configuration (fail fast on invalid settings).
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Log, nil)
	slog.SetDefault(log)
	log.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"queue_backend", cfg.QueueBackend,
		"candidate_source", cfg.CandidateSource,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"concurrency", cfg.Batch.Concurrency,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open stores and wire the driven adapters.
	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	// 4. Create the classifier.
	chatModel, err := llm.NewModel(ctx, llm.ProviderConfig{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		OllamaHost:   cfg.LLM.OllamaHost,
		GeminiAPIKey: cfg.LLM.GeminiAPIKey,
	}, log)
	if err != nil {
		return err
	}

	classifier, err := llm.NewClassifier(llm.FromModel(chatModel), log)
	if err != nil {
		return err
	}

	// 5. Create the orchestrator.
	orch := application.NewOrchestrator(b.queue, b.statuses, classifier, b.labels, b.source, orchestratorConfig(cfg.Batch), log)

	// 6. Start the scheduler when enabled.
	if cfg.Schedule.Enabled {
		sched, err := application.NewScheduler(cfg.Schedule.Cron, b.repos, orch, log)
		if err != nil {
			return err
		}
		go sched.Start(ctx)
	}

	// 7. Create the HTTP control endpoint.
	handler := httphandler.NewHandler(orch, b.repos, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(handler, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// start pages through every candidate before answering.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	log.Info("issue-analysis started", "listen_addr", cfg.ListenAddr, "schedule_enabled", cfg.Schedule.Enabled)

	// 8. Wait for a shutdown signal or a server failure.
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
		log.Error("http server error, shutting down", "error", err)
	}

	// 9. Graceful shutdown: stop accepting commands, then drain the workers.
	// Interrupted items are requeued and their runs stay resumable.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return runErr
}

func orchestratorConfig(b config.BatchConfig) application.Config {
	return application.Config{
		Concurrency:        b.Concurrency,
		MaxAttempts:        b.MaxAttempts,
		RetryDelay:         b.RetryDelay,
		RequestDelay:       b.RequestDelay,
		CallTimeout:        b.CallTimeout,
		PageSize:           b.PageSize,
		DedupBatchSize:     b.DedupBatchSize,
		PushBatchSize:      b.PushBatchSize,
		DedupBeforeEnqueue: b.DedupBeforeEnqueue,
		ErrorsCap:          b.ErrorsCap,
		ActiveTTL:          b.ActiveTTL,
		TerminalTTL:        b.TerminalTTL,
	}
}
