package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subengine/internal/api"
	"subengine/internal/chain"
	"subengine/internal/config"
	"subengine/internal/decoy"
	"subengine/internal/monitor"
	"subengine/internal/noise"
	"subengine/internal/orchestrator"
	"subengine/internal/reconcile"
	"subengine/internal/storage"
	"subengine/internal/streams"

	"github.com/joho/godotenv"
	"github.com/stellar/go/clients/horizonclient"
)

func main() {
	fmt.Println("🌊 Starting Subscription Engine...")

	// 1. Load configuration
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	// 2. Configure logger
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Configuration loaded",
		"horizon", cfg.HorizonURL,
		"network", cfg.NetworkPassphrase,
		"storage", cfg.StorageDSN,
		"log_level", cfg.LogLevel,
	)

	// 3. Initialize storage and load the stream collection
	ctx := context.Background()
	repository, err := storage.NewFromDSN(ctx, cfg.StorageDSN)
	if err != nil {
		log.Fatalf("❌ Failed to open storage: %v", err)
	}
	defer repository.Close()

	store := streams.NewStore(repository)
	if err := store.Load(ctx); err != nil {
		log.Fatalf("❌ Failed to load stream state: %v", err)
	}
	slog.Info("Stream state loaded", "streams", len(store.List()))

	// 4. Create the ledger client
	signer, err := chain.NewKeypairSigner(cfg.SigningSeed)
	if err != nil {
		log.Fatalf("❌ Invalid signing seed: %v", err)
	}

	horizon := &horizonclient.Client{
		HorizonURL: cfg.HorizonURL,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
	client := chain.NewHorizonClient(horizon, signer, cfg.NetworkPassphrase)
	slog.Info("Ledger client ready", "address", signer.Address())

	// 5. Wire the engine components
	engine := noise.NewEngineSeeded()
	decoys := decoy.NewGenerator(rand.New(rand.NewSource(time.Now().UnixNano())), client, client, signer.Address())
	scheduler := streams.NewScheduler(store, engine, client, signer.Address()).
		WithPrivateSubmitter(decoys)
	reconciler := reconcile.NewReconciler(store, client, signer.Address())
	reconciler.SetSyncInterval(cfg.SyncInterval)

	// 6. Live monitor feeding the reconciler's apply loop
	mon := monitor.NewMonitor(client, reconciler, signer.Address())
	mon.SetMaxReconnects(cfg.MaxReconnects)
	if err := mon.Start(ctx); err != nil {
		slog.Warn("Live monitor unavailable, relying on periodic sync", "error", err)
	}

	// 7. Periodic jobs
	orch := orchestrator.New(
		orchestrator.Job{
			Name:     "scheduler",
			Interval: cfg.ScanInterval,
			Run:      scheduler.ProcessDuePayments,
		},
		orchestrator.Job{
			Name:     "reconciler",
			Interval: cfg.SyncInterval,
			Run:      reconciler.SyncFromBlockchain,
		},
	)
	orch.Start(ctx)

	// 8. HTTP API
	server := api.NewServer(cfg.APIPort, store, scheduler, mon, repository)
	if err := server.Start(); err != nil {
		log.Fatalf("❌ Failed to start API server: %v", err)
	}

	// 9. Wait for interrupt, then unwind in reverse order
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Warn("Interrupt received, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping API server", "error", err)
	}
	if err := orch.Stop(); err != nil {
		slog.Error("Error stopping orchestrator", "error", err)
	}
	mon.Stop()
	if err := store.Persist(shutdownCtx); err != nil {
		slog.Error("Error persisting stream state", "error", err)
	}

	slog.Info("Subscription engine stopped")
}
