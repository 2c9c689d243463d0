// Package app wires the application together.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"waflow/internal/bot"
	"waflow/internal/conn"
	"waflow/internal/dispatch"
	"waflow/internal/health"
	"waflow/internal/infra/config"
	"waflow/internal/infra/logger"
	"waflow/internal/netclient"
	"waflow/internal/store"
	"waflow/internal/wa"
)

// App is the main application orchestrator.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Store  *store.Store

	SessionStore  *store.SessionStore
	CampaignStore *store.CampaignStore
	RuleStore     *store.RuleStore

	Manager   *conn.Manager
	Engine    *dispatch.Engine
	Scheduler *dispatch.Scheduler
	Monitor   *health.Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new App instance.
func New(cfg *config.Config) (*App, error) {
	log := logger.New("waflow", cfg.LogLevel)
	log.Infof("Initializing waflow...")

	if err := cfg.EnsureStorePath(); err != nil {
		return nil, fmt.Errorf("failed to ensure store path: %w", err)
	}

	dbPath := filepath.Join(cfg.StorePath, "waflow.db")
	appStore, err := store.New(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	sessionStore := store.NewSessionStore(appStore)
	campaignStore := store.NewCampaignStore(appStore)
	ruleStore := store.NewRuleStore(appStore)

	waClient := wa.NewClient(appStore.Container(), cfg, log)
	manager := conn.NewManager(waClient, sessionStore, cfg.PairingCodeTTL(), log)

	engine := dispatch.NewEngine(campaignStore, manager, cfg, log)
	manager.SetReceiptHandler(engine.HandleReceipt)

	if cfg.Bot.Enabled {
		responder := bot.NewResponder(ruleStore, &cfg.Bot, log)
		manager.SetMessageHandler(responder.HandleMessage)
	}

	scheduler, err := dispatch.NewScheduler(engine, cfg.Dispatch.Interval(), log)
	if err != nil {
		appStore.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	monitor := health.NewMonitor(manager, cfg.Health.PollInterval(), cfg.Health.DisconnectThreshold, log)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		Config:        cfg,
		Log:           log,
		Store:         appStore,
		SessionStore:  sessionStore,
		CampaignStore: campaignStore,
		RuleStore:     ruleStore,
		Manager:       manager,
		Engine:        engine,
		Scheduler:     scheduler,
		Monitor:       monitor,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.Log.Infof("Starting waflow...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		a.Log.Infof("Received %v, initiating shutdown...", sig)
		a.cancel()
	}()

	go a.resumeSessions()

	a.Scheduler.Start()
	a.Monitor.Start()

	a.Log.Infof("waflow is running. Press Ctrl+C to stop.")
	<-a.ctx.Done()
	return a.Shutdown()
}

// resumeSessions warms the registry from persisted sessions so the
// watchdog covers previously paired tenants right away. Tenants not
// resumed here still reconnect lazily on first access.
func (a *App) resumeSessions() {
	records, err := a.SessionStore.GetAll()
	if err != nil {
		a.Log.Warnf("Could not list stored sessions: %v", err)
		return
	}

	for _, rec := range records {
		if rec.State == netclient.StateLoggedOut || len(rec.CredentialBlob) == 0 {
			continue
		}
		if a.ctx.Err() != nil {
			return
		}
		if _, err := a.Manager.CreateConnection(a.ctx, rec.TenantID); err != nil {
			a.Log.Warnf("Tenant %s: resume failed: %v", rec.TenantID, err)
		}
	}
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.Log.Infof("Shutting down...")
	a.cancel()

	a.Scheduler.Stop()
	a.Monitor.Stop()
	a.Manager.Shutdown()

	if err := a.Store.Close(); err != nil {
		a.Log.Errorf("Closing store: %v", err)
		return err
	}
	a.Log.Infof("Shutdown complete")
	return nil
}
