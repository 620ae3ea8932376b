// Command kernel runs the Dyocense Kernel Orchestrator: the admission,
// scheduling, pipeline-execution, and retention process described by
// this module. It wires every package's production collaborators
// together and serves the Run API over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/dyocense/kernel/pkg/admission"
	"github.com/dyocense/kernel/pkg/archetype"
	"github.com/dyocense/kernel/pkg/budget"
	"github.com/dyocense/kernel/pkg/cleanup"
	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/evidence"
	"github.com/dyocense/kernel/pkg/events"
	"github.com/dyocense/kernel/pkg/idempotency"
	"github.com/dyocense/kernel/pkg/masking"
	"github.com/dyocense/kernel/pkg/pipeline"
	"github.com/dyocense/kernel/pkg/registry"
	"github.com/dyocense/kernel/pkg/runapi"
	"github.com/dyocense/kernel/pkg/scheduler"
	"github.com/dyocense/kernel/pkg/slack"
	"github.com/dyocense/kernel/pkg/stages"
	"github.com/dyocense/kernel/pkg/storage"
	"github.com/dyocense/kernel/pkg/tenant"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	logger := slog.Default()
	logger.Info("starting dyocense kernel", "http_port", httpPort, "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tenants, err := tenant.LoadFile(filepath.Join(*configDir, "tenants.yaml"))
	if err != nil {
		log.Fatalf("failed to load tenant registry: %v", err)
	}

	dbConfig, err := storage.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := storage.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing database client", "error", err)
		}
	}()
	logger.Info("connected to postgres, migrations applied")

	realClock := clock.Real{}
	ids := clock.NewIDGen(realClock)

	runStore := storage.NewRunStore(dbClient)
	idempStore := storage.NewIdempotencyStore(dbClient)
	ledgerStore := storage.NewLedgerStore(dbClient)
	evidenceStore := storage.NewEvidenceStore(dbClient)

	bus := events.NewBus()
	runRegistry := registry.NewWithBus(runStore, realClock, bus)

	idempIndex := idempotency.New(idempStore, realClock, idempotency.DefaultTTL)

	var alertSink budget.AlertSink = budget.NoopAlertSink{}
	if slackSvc := slack.NewService(slack.ServiceConfig{
		Token:        os.Getenv("SLACK_BOT_TOKEN"),
		Channel:      os.Getenv("SLACK_BUDGET_ALERT_CHANNEL"),
		DashboardURL: os.Getenv("DASHBOARD_URL"),
	}); slackSvc != nil {
		alertSink = slack.NewBudgetAlertSink(slackSvc)
		logger.Info("budget soft alerts wired to slack")
	}
	accountant := budget.New(ledgerStore, realClock, alertSink)

	masker := masking.NewService(masking.DefaultConfig())
	evidenceWriter := evidence.New(evidenceStore, realClock, logger, masker)

	archetypes := archetype.NewService(archetype.Config{
		RepoRawBaseURL: os.Getenv("ARCHETYPE_CATALOG_BASE_URL"),
		AllowedDomains: []string{"raw.githubusercontent.com"},
		GitHubToken:    os.Getenv("GITHUB_TOKEN"),
	})

	// Compiler/Forecaster/PolicyGuard/Optimiser/Diagnostician/Explainer are
	// external collaborators (LLM providers, solver libraries, policy
	// engines — spec.md §1 Non-goals). No production backend ships in this
	// module; the in-process reference implementations stand in until a
	// deployment wires real adapters behind the same interfaces.
	adapters := pipeline.Adapters{
		Compiler:      stages.FakeCompiler{},
		Forecaster:    stages.FakeForecaster{},
		Policy:        stages.FakePolicyGuard{},
		Optimiser:     stages.FakeOptimiser{},
		Diagnostician: stages.FakeDiagnostician{},
		Explainer:     stages.FakeExplainer{},
	}

	engine := pipeline.New(runRegistry, evidenceWriter, accountant, adapters, realClock, logger)

	sched := scheduler.New()
	ctrl := admission.New(admission.Config{
		Resolver:   tenants,
		Idempotent: idempIndex,
		Accountant: accountant,
		Registry:   runRegistry,
		Scheduler:  sched,
		Archetypes: archetypes,
		IDs:        ids,
		Clock:      realClock,
	})

	dispatcher := scheduler.NewDispatcher(sched, engine, runRegistry, scheduler.DefaultConfig(), logger)
	dispatcher.Start(ctx)

	cleanupSvc := cleanup.NewService(cleanup.DefaultConfig(), runRegistry, idempStore, realClock, logger)
	cleanupSvc.Start(ctx)

	server := runapi.NewServer(ctrl, runRegistry, cleanupSvc)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", ":"+httpPort)
		if err := server.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	dispatcher.Stop()
	cleanupSvc.Stop()

	logger.Info("dyocense kernel stopped")
}
