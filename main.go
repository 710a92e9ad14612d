package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veridata-exchange/exchange-engine/pkg/agent"
	"github.com/veridata-exchange/exchange-engine/pkg/config"
	"github.com/veridata-exchange/exchange-engine/pkg/crypto"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/dispatcher"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
	"github.com/veridata-exchange/exchange-engine/pkg/repositories"
	"github.com/veridata-exchange/exchange-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting exchange-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("agent_base_url", cfg.Agent.BaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrationDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		logger.Fatal("failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	pins, err := crypto.NewPinHasher(cfg.PinSecret)
	if err != nil {
		logger.Fatal("failed to create pin hasher", zap.Error(err))
	}

	agentClient := agent.NewClient(cfg.Agent.BaseURL)

	connections := repositories.NewConnectionRepository(db)
	invites := repositories.NewInviteRepository(db)
	queries := repositories.NewQueryRepository(db)
	queryRpcs := repositories.NewQueryRpcRepository(db)

	handshake := services.NewCredentialHandshakeService(db, connections, invites, agentClient, pins,
		services.CredentialHandshakeConfig{
			SchemaName:             cfg.Credential.SchemaName,
			SchemaVersion:          cfg.Credential.SchemaVersion,
			CredentialDefinitionID: cfg.Credential.DefinitionID,
			PinAttemptLimit:        cfg.Credential.PinAttemptLimit,
		}, logger)
	queryExchange := services.NewQueryExchangeService(db, connections, queries, queryRpcs, agentClient, logger)

	credentialEvents := dispatcher.New("credential-state-changed", handshake.HandleEvent,
		dispatcher.WithLogger(logger))
	drpcEvents := dispatcher.New("drpc-request-state-changed", queryExchange.HandleEvent,
		dispatcher.WithLogger(logger))
	credentialEvents.Start(ctx)
	drpcEvents.Start(ctx)

	listener := agent.NewListener(cfg.Agent.EventsURL, credentialEvents, drpcEvents, logger)
	listener.Start(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the event source first so no new work arrives while the
	// dispatchers drain their in-flight handlers.
	listener.Stop()
	credentialEvents.Stop()
	drpcEvents.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Type assertions keeping the dispatchers compatible with the listener's
// sink interfaces.
var (
	_ agent.CredentialSink = (*dispatcher.Dispatcher[models.CredentialStateChanged])(nil)
	_ agent.DrpcSink       = (*dispatcher.Dispatcher[models.DrpcRequestStateChanged])(nil)
)
