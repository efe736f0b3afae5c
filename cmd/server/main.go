package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/api/rest"
	"github.com/KevinKickass/OpenALDCore/internal/api/websocket"
	"github.com/KevinKickass/OpenALDCore/internal/auth"
	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/plc"
	"github.com/KevinKickass/OpenALDCore/internal/process"
	"github.com/KevinKickass/OpenALDCore/internal/recipe"
	"github.com/KevinKickass/OpenALDCore/internal/safety"
	"github.com/KevinKickass/OpenALDCore/internal/sampler"
	"github.com/KevinKickass/OpenALDCore/internal/storage"
)

func main() {
	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	machineID, err := uuid.Parse(cfg.Machine.ID)
	if err != nil {
		logger.Fatal("Invalid machine id in config", zap.Error(err))
	}

	logger.Info("Config loaded successfully",
		zap.String("machine_id", machineID.String()))

	// PostgreSQL verbinden
	db, err := storage.NewPostgresClient(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()

	if err := db.EnsureMachineState(ctx, machineID); err != nil {
		logger.Fatal("Failed to initialise machine state", zap.Error(err))
	}

	// Parameter-Referenzdaten laden
	defs, err := db.ListParameterDefinitions(ctx, true)
	if err != nil {
		logger.Fatal("Failed to load parameter definitions", zap.Error(err))
	}
	logger.Info("Parameter definitions loaded", zap.Int("count", len(defs)))

	// PLC link, sole owner of the Modbus connection
	link := plc.NewLink(cfg.PLC, defs, logger)
	if err := link.Connect(); err != nil {
		// Nicht fatal: der Arbiter verbindet mit Backoff neu
		logger.Warn("PLC not reachable at startup, will retry", zap.Error(err))
	}
	defer link.Close()

	// Command queue plumbing
	dispatcher := command.NewDispatcher(db)
	coordinator := safety.NewCoordinator(db, dispatcher, machineID, cfg.Safety, logger)
	arbiter := command.NewArbiter(db, link, coordinator, cfg.Arbiter, logger)

	// Process engine with step executor
	stepExecutor := process.NewStepExecutor(dispatcher, cfg.Arbiter.CommandWaitTimeout, logger)
	engine := process.NewEngine(db, stepExecutor, coordinator, dispatcher, machineID, logger)

	// Continuous parameter logger
	smp := sampler.NewSampler(db, dispatcher, machineID, cfg.Sampler, logger)
	stepExecutor.SetWriteRecorder(smp)

	// Recipe schema validation
	validator, err := recipe.NewValidator()
	if err != nil {
		logger.Fatal("Failed to compile recipe schema", zap.Error(err))
	}

	// Auth + WebSocket hub
	jwtHandler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.ServiceTokenTTL)
	wsHub := websocket.NewHub(logger, jwtHandler)
	go wsHub.Run()
	engine.SetNotifier(wsHub)
	coordinator.SetNotifier(wsHub)

	// Hintergrunddienste starten
	if err := coordinator.Start(); err != nil {
		logger.Fatal("Failed to start safety coordinator", zap.Error(err))
	}
	if err := arbiter.Start(); err != nil {
		logger.Fatal("Failed to start arbiter", zap.Error(err))
	}
	if err := smp.Start(); err != nil {
		logger.Fatal("Failed to start sampler", zap.Error(err))
	}

	// Nach einem Crash hinterlassene Ausfuehrung wieder aufnehmen; braucht
	// den laufenden Arbiter
	if err := engine.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover machine state", zap.Error(err))
	}

	// REST API
	server := rest.NewServer(cfg, rest.Deps{
		Engine:     engine,
		Dispatcher: dispatcher,
		Arbiter:    arbiter,
		Sampler:    smp,
		Safety:     coordinator,
		Store:      db,
		Validator:  validator,
	}, logger, wsHub, jwtHandler)

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start REST server", zap.Error(err))
	}

	logger.Info("OpenALDCore started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST shutdown failed", zap.Error(err))
	}

	// Reihenfolge: erst keine neuen Prozesse, dann Sampler, dann Arbiter
	if err := engine.StopRecipe(shutdownCtx); err != nil && !errors.Is(err, storage.ErrStateConflict) {
		logger.Warn("Stop request on shutdown failed", zap.Error(err))
	}
	engine.Wait()
	smp.Stop()
	arbiter.Stop()
	coordinator.Stop()

	logger.Info("OpenALDCore stopped successfully")
}
