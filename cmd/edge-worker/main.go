// Command edge-worker runs the Cyrus edge worker: it receives platform
// webhooks, manages agent sessions and their durable state, and drives coding
// agent runner subprocesses inside per-session git worktrees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/dispatcher"
	"github.com/ceedaragents/cyrus-sub004/internal/events/bus"
	"github.com/ceedaragents/cyrus-sub004/internal/ingest"
	"github.com/ceedaragents/cyrus-sub004/internal/persistence"
	"github.com/ceedaragents/cyrus-sub004/internal/platform"
	"github.com/ceedaragents/cyrus-sub004/internal/prompt"
	"github.com/ceedaragents/cyrus-sub004/internal/session"
	"github.com/ceedaragents/cyrus-sub004/internal/streaming"
	"github.com/ceedaragents/cyrus-sub004/internal/tracing"
	"github.com/ceedaragents/cyrus-sub004/internal/worktree"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
	"github.com/ceedaragents/cyrus-sub004/pkg/claudecode"
	"github.com/ceedaragents/cyrus-sub004/pkg/codex"
	"github.com/ceedaragents/cyrus-sub004/pkg/opencode"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting Cyrus edge worker...")

	// 3. Create context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect the event bus. An empty NATS URL selects the in-memory bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Durable state: load the last snapshot, restore sessions
	stateDir, err := cfg.State.ExpandedDir()
	if err != nil {
		log.Fatal("Failed to resolve state directory", zap.Error(err))
	}
	persist, err := persistence.NewManager(stateDir, cfg.State.FlushIntervalDuration(), log)
	if err != nil {
		log.Fatal("Failed to initialize persistence", zap.Error(err))
	}
	state, _, err := persist.Load()
	if err != nil {
		log.Fatal("Failed to load persisted state", zap.Error(err))
	}

	store := session.NewStore(log)
	store.Restore(state)
	persist.SetSource(func() (session.State, persistence.ActiveWork) {
		return store.Snapshot(), persistence.BuildActiveWork(store.Active())
	}, store.MarkPersisted)
	// The flush loop outlives the signal context: runners drained during
	// shutdown still mark state dirty, and those writes must land.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persist.Run(persistCtx)

	// 6. Session archive with age-based pruning
	archive, err := persistence.OpenArchive(stateDir, log)
	if err != nil {
		log.Fatal("Failed to open session archive", zap.Error(err))
	}
	defer archive.Close()
	if days := cfg.State.ArchiveMaxAgeDays; days > 0 {
		if n, err := archive.Prune(time.Duration(days) * 24 * time.Hour); err != nil {
			log.Warn("Archive prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("Pruned archived sessions", zap.Int64("count", n))
		}
	}

	// 7. Runner adapter registry
	registry := agent.NewRegistry()
	registry.Register(agent.FlavorClaudeCode, claudecode.New)
	registry.Register(agent.FlavorCodex, codex.New)
	registry.Register(agent.FlavorOpenCode, opencode.New)
	log.Info("Registered runner adapters", zap.Int("flavors", len(registry.Flavors())))

	// 8. Platform client, prompt builder, worktree provisioner, observer hub
	platformClient := platform.NewHTTPClient(cfg.Platform, log)
	prompts := prompt.NewBuilder(cfg.Runner, nil, log)
	provisioner, err := worktree.NewProvisioner(cfg.Worktree, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree provisioner", zap.Error(err))
	}
	hub := streaming.NewHub(log)

	// 9. Dispatcher: subscribe to inbound events, respawn recovered sessions
	d := dispatcher.New(dispatcher.Options{
		Config:      cfg,
		Store:       store,
		Registry:    registry,
		Platform:    platformClient,
		Persistence: persist,
		Archive:     archive,
		Provisioner: provisioner,
		Prompts:     prompts,
		Hub:         hub,
		Logger:      log,
	})
	if err := d.Start(ctx, eventBus); err != nil {
		log.Fatal("Failed to subscribe dispatcher", zap.Error(err))
	}
	d.Recover(ctx)

	// 10. Webhook server with the observer websocket mounted alongside
	agentHandle := strings.TrimPrefix(cfg.Platform.AgentHandle, "@")
	server := ingest.NewServer(cfg.Server, agentHandle, eventBus, log)
	server.Mount("/observe", hub)

	// 11. Serve until the signal context ends
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	log.Info("Shutting down Cyrus edge worker...")

	// 12. Graceful shutdown: stop runners while the flush loop is still alive,
	// then cancel it for the final flush
	d.StopAll(15 * time.Second)
	persistCancel()
	persist.Wait()
	if err := hub.Shutdown(context.Background()); err != nil {
		log.Error("Observer hub shutdown error", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Cyrus edge worker stopped")
}
