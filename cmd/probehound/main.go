// Probehound server - black-box business-logic security testing for
// HTTP applications: record flows, derive mutated test cases, replay
// them, and diff the responses for suspicious behavior.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/probehound/probehound/pkg/analyzer"
	"github.com/probehound/probehound/pkg/api"
	"github.com/probehound/probehound/pkg/cleanup"
	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/events"
	"github.com/probehound/probehound/pkg/mutator"
	"github.com/probehound/probehound/pkg/recorder"
	"github.com/probehound/probehound/pkg/replayer"
	"github.com/probehound/probehound/pkg/reports"
	"github.com/probehound/probehound/pkg/services"
	"github.com/probehound/probehound/pkg/version"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML configuration file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	slog.Info("Starting probehound", "version", version.Full())

	cfg, err := config.Initialize(*configFile)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "dialect", dbClient.Dialect())

	// Store services share the per-flow write locks.
	locks := services.NewFlowLocks()
	flowService := services.NewFlowService(dbClient, locks)
	requestService := services.NewRequestService(dbClient, locks)
	testCaseService := services.NewTestCaseService(dbClient, locks)
	responseService := services.NewResponseService(dbClient, locks)
	anomalyService := services.NewAnomalyService(dbClient, locks)
	executionService := services.NewExecutionService(dbClient, locks)

	// Reconcile executions left running by a previous process.
	if reconciled, err := executionService.ReconcileStale(ctx); err != nil {
		slog.Error("Failed to reconcile stale executions", "error", err)
		os.Exit(1)
	} else if reconciled > 0 {
		slog.Warn("Reconciled stale executions from previous run", "count", reconciled)
	}

	rec := recorder.New(flowService, requestService)

	mutationRules := mutator.NewRegistry(mutator.DefaultCatalog())
	generator := mutator.NewGenerator(mutationRules)

	detectionRules := analyzer.NewRegistry(analyzer.DefaultCatalog())
	thresholds := analyzer.NewThresholds(cfg.Analysis.ConfidenceThresholdDefault)
	diffEngine := analyzer.New(detectionRules)

	connManager := events.NewConnectionManager(5 * time.Second)

	engine := replayer.NewEngine(
		cfg.Replay,
		flowService,
		requestService,
		testCaseService,
		responseService,
		executionService,
		anomalyService,
		diffEngine,
		thresholds,
		replayer.NewRegistry(),
		connManager,
	)

	reporter := reports.NewReporter(flowService, requestService, testCaseService, anomalyService, executionService)

	cleanupService := cleanup.NewService(cfg.Retention, executionService, responseService)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	server := api.NewServer(api.Deps{
		Config:         cfg,
		DBClient:       dbClient,
		Flows:          flowService,
		Requests:       requestService,
		TestCases:      testCaseService,
		Anomalies:      anomalyService,
		Executions:     executionService,
		Recorder:       rec,
		Generator:      generator,
		MutationRules:  mutationRules,
		DetectionRules: detectionRules,
		Thresholds:     thresholds,
		Engine:         engine,
		Reporter:       reporter,
		ConnManager:    connManager,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		errCh <- server.Start(cfg.Server.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	// Executions observe cancellation at request boundaries; wait for
	// the workers to drain before closing the store.
	engine.Drain()
	slog.Info("Shutdown complete")
}
