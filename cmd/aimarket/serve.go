package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimarket-labs/aimarket/internal/auction"
	"github.com/aimarket-labs/aimarket/internal/config"
	"github.com/aimarket-labs/aimarket/internal/escrow"
	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/httpapi"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/quality"
	"github.com/aimarket-labs/aimarket/internal/reputation"
	"github.com/aimarket-labs/aimarket/internal/settlement"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the marketplace server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Environment == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting aimarket",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"store", cfg.StoreType,
	)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher := events.NewPublisher("aimarket")
	if cfg.WebhookURL != "" {
		for _, eventType := range []string{
			events.EventEscrowApproved,
			events.EventEscrowRefunded,
			events.EventSettlementCompleted,
			events.EventReconciliationFlagged,
		} {
			publisher.RegisterEndpoint(eventType, cfg.WebhookURL)
		}
	}

	escrowCfg := escrow.DefaultConfig()
	escrowCfg.DefaultValidator = cfg.DefaultValidator
	stateMachine := escrow.NewStateMachine(store, publisher, escrowCfg)

	tracker := reputation.NewTracker(store)

	auctionCfg := auction.DefaultConfig()
	auctionCfg.ReputationThreshold = cfg.ReputationThreshold
	auctionCfg.NeutralScore = cfg.NeutralScore
	auctionCfg.DefaultExpiry = cfg.DefaultExpiry
	engine := auction.NewEngine(store, stateMachine, tracker, publisher, auctionCfg)

	validator := quality.NewValidator(quality.Thresholds{
		AutoApprove: cfg.AutoApprove,
		AutoReject:  cfg.AutoReject,
		Dispute:     cfg.DisputeThreshold,
	})
	coordinator := settlement.NewCoordinator(store, stateMachine, validator, tracker, settlement.LogExecutor{}, publisher)

	// Finish any winner selection interrupted by a previous crash.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.RecoverSelections(startupCtx); err != nil {
		slog.Warn("selection recovery failed", "error", err)
	}
	cancel()

	handlers := httpapi.NewHandlers(engine, coordinator, stateMachine, tracker)
	router := httpapi.NewRouter(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.StoreType {
	case "memory":
		slog.Info("using in-memory store")
		return ledger.NewMemoryStore(), nil

	case "redis":
		client := backend.NewClient(&backend.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("using redis store", "addr", cfg.RedisAddr)
		return ledger.NewRedisStore(client), nil

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		clientOpts := options.Client().ApplyURI(cfg.MongoURI)
		mongoClient, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}

		store := ledger.NewMongoStore(mongoClient, cfg.MongoDB)
		if err := store.EnsureIndexes(ctx); err != nil {
			slog.Warn("failed to create indexes", "error", err)
		}
		slog.Info("using mongodb store", "uri", cfg.MongoURI, "db", cfg.MongoDB)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
}
