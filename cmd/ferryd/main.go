// ferryd is the agent session broker daemon: it owns the session store,
// the runner adapters, the per-session event journal, and the HTTP and
// WebSocket surfaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/api"
	"github.com/ferrydev/ferry/internal/common/config"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/events/bus"
	"github.com/ferrydev/ferry/internal/external"
	"github.com/ferrydev/ferry/internal/gateway/websocket"
	"github.com/ferrydev/ferry/internal/orchestrator"
	"github.com/ferrydev/ferry/internal/runner/inproc"
	"github.com/ferrydev/ferry/internal/runner/registry"
	"github.com/ferrydev/ferry/internal/session"
	"github.com/ferrydev/ferry/internal/session/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ferryd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Session repository.
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}
	repo, err := repository.NewSQLiteRepository(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open session database", zap.Error(err))
	}
	defer repo.Close()

	// Store: sessions, locks, journal, live subscribers.
	store := session.NewStore(repo, events.NewRegistry(), eventBus,
		cfg.Journal.Dir, cfg.Journal.RotateBytes, log)
	defer store.Close()

	// External session discovery and attach/sync.
	extSvc := external.NewService(store, log,
		external.NewClaudeScanner(cfg.Discovery.ClaudeDir, nil),
		external.NewCodexScanner(cfg.Discovery.CodexDir, nil),
	)

	// Orchestrator first, then the runner registry with the orchestrator
	// as its sink.
	orch := orchestrator.New(store, cfg.Runners, log)
	defer orch.Close()

	defs, err := registry.LoadDefinitions(cfg.Runners)
	if err != nil {
		log.Fatal("failed to load runner definitions", zap.Error(err))
	}
	runners, err := registry.Build(defs, registry.Deps{
		Sink:   orch,
		Queue:  orch.Queue(),
		Tools:  inproc.NoopDispatcher{},
		Config: cfg.Runners,
		Log:    log,
	})
	if err != nil {
		log.Fatal("failed to build runner registry", zap.Error(err))
	}
	defer runners.Close()
	orch.SetRunners(runners)
	orch.SetBusyChecker(extSvc)
	log.Info("runner registry ready", zap.Strings("runners", runners.Names()))

	// WebSocket hub for bridge clients.
	hub := websocket.NewHub(store, log)
	go hub.Run(ctx)

	router := api.NewRouter(store, orch, extSvc, cfg.Auth.Token, log)
	router.GET("/ws", hub.HandleConnection)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No write timeout: the SSE stream holds its response open
		// indefinitely.
		WriteTimeout: 0,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down ferryd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("ferryd stopped")
}
