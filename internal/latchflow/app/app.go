// Package app wires the Latchflow subsystems together and owns their
// lifecycle: construction order, background loops, signal handling and
// teardown order.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/latchflow/latchflow/common/version"
	"github.com/latchflow/latchflow/internal/latchflow/action"
	"github.com/latchflow/latchflow/internal/latchflow/audit"
	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/authz"
	"github.com/latchflow/latchflow/internal/latchflow/bundle"
	"github.com/latchflow/latchflow/internal/latchflow/config"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/download"
	"github.com/latchflow/latchflow/internal/latchflow/email"
	"github.com/latchflow/latchflow/internal/latchflow/history"
	"github.com/latchflow/latchflow/internal/latchflow/httpapi"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/plugin/builtin"
	"github.com/latchflow/latchflow/internal/latchflow/queue"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
	"github.com/latchflow/latchflow/internal/latchflow/trigger"
)

// sweepInterval is the cadence of the auth rate-limit janitor.
const sweepInterval = time.Minute

// App holds every constructed subsystem. New builds them in dependency
// order; Run starts the background loops and blocks until a shutdown
// signal; Stop tears everything down in reverse.
type App struct {
	cfg *config.Config

	store      *db.Store
	metrics    *metrics.Metrics
	mail       email.Provider
	auth       *auth.Service
	authorizer *authz.Authorizer
	storage    *storage.Service
	builder    *bundle.Builder
	scheduler  *bundle.Scheduler
	downloads  *download.Service
	queue      queue.Queue
	registry   *plugin.Registry
	enc        *plugin.ConfigEncryption
	hub        *builtin.WebhookHub
	triggers   *trigger.Manager
	consumer   *action.Consumer
	api        *httpapi.Server

	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the application. Subsystems that fail to initialize
// close everything built before them and surface the error.
func New(cfg *config.Config) (*App, error) {
	logger := slog.Default()

	slog.Info("opening database", "path", cfg.DatabasePath)
	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}

	m := metrics.New()

	mail, err := email.NewProvider(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPassword)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app: email provider: %w", err)
	}
	if cfg.SMTPAddr == "" {
		slog.Info("no SMTP_ADDR configured; mail is captured in memory and logged")
	} else {
		slog.Info("SMTP mail provider ready", "addr", cfg.SMTPAddr, "from", cfg.SMTPFrom)
	}

	authSvc := auth.New(store, mail, m, logger, auth.Options{
		AdminSessionCookie:     cfg.AdminSessionCookie,
		RecipientSessionCookie: cfg.RecipientSessionCookie,
		OTPLength:              cfg.OTPLength,
		OTPTTL:                 cfg.OTPTTL,
		RecipientSessionTTL:    cfg.RecipientSessionTTL,
		MagicLinkTTL:           cfg.MagicLinkTTL,
		AdminSessionTTL:        cfg.AdminSessionTTL,
		CookieSecure:           cfg.CookieSecure,
		AllowDevAuth:           cfg.AllowDevAuth,
		DeviceCodeTTL:          cfg.DeviceCodeTTL,
		DeviceCodeInterval:     cfg.DeviceCodeInterval,
		TokenPrefix:            cfg.APITokenPrefix,
		TokenTTL:               cfg.APITokenTTL,
		DefaultScopes:          cfg.APITokenScopesDefault,
		BaseURL:                cfg.BaseURL,
	})
	if cfg.AllowDevAuth {
		slog.Warn("dev auth is enabled; admin login responses include the magic link")
	}

	authorizer, err := authz.New(store, authSvc, logger, cfg.PolicyPath, cfg.PolicyReload)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app: authorization policy: %w", err)
	}
	slog.Info("authorization ready", "rules", authorizer.RuleCount(), "reload", cfg.PolicyReload)

	driver, err := storage.NewDriver(cfg.StorageDriver, cfg.StorageBasePath)
	if err != nil {
		authorizer.Close()
		store.Close()
		return nil, fmt.Errorf("app: storage driver: %w", err)
	}
	st := storage.NewService(driver, cfg.StorageBucket, cfg.StorageKeyPrefix)
	slog.Info("object storage ready", "driver", cfg.StorageDriver, "bucket", cfg.StorageBucket)

	builder := bundle.NewBuilder(store, st, logger)
	scheduler := bundle.NewScheduler(store, builder, m, logger, cfg.RebuildDebounce)
	downloads := download.NewService(store, st, builder, scheduler, m, logger)

	q, err := queue.NewQueue(cfg.QueueDriver, queue.Options{
		NATSURL:    cfg.NATSURL,
		NATSStream: cfg.NATSStream,
	})
	if err != nil {
		scheduler.Stop()
		authorizer.Close()
		store.Close()
		return nil, fmt.Errorf("app: action queue: %w", err)
	}
	slog.Info("action queue ready", "driver", cfg.QueueDriver)

	var encKey []byte
	if cfg.ConfigEncryptionKey != "" {
		encKey, err = hex.DecodeString(cfg.ConfigEncryptionKey)
		if err != nil {
			q.Close()
			scheduler.Stop()
			authorizer.Close()
			store.Close()
			return nil, fmt.Errorf("app: CONFIG_ENCRYPTION_KEY is not hex: %w", err)
		}
	}
	enc, err := plugin.NewConfigEncryption(cfg.ConfigEncryptionMode, encKey)
	if err != nil {
		q.Close()
		scheduler.Stop()
		authorizer.Close()
		store.Close()
		return nil, fmt.Errorf("app: config encryption: %w", err)
	}

	registry := plugin.NewRegistry()
	hub := builtin.NewWebhookHub()
	if err := builtin.Register(context.Background(), &plugin.Registrar{Store: store, Registry: registry}, mail, hub); err != nil {
		q.Close()
		scheduler.Stop()
		authorizer.Close()
		store.Close()
		return nil, fmt.Errorf("app: register builtin plugin: %w", err)
	}
	slog.Info("builtin plugin registered", "encryption", enc.Mode())

	runner := trigger.NewRunner(store, q, logger)
	recorder := audit.NewRecorder(store, logger)
	triggers := trigger.NewManager(store, registry, enc, runner, recorder, m, logger)

	consumer := action.NewConsumer(store, registry, enc, q, recorder, m, logger, action.Options{
		Concurrency: cfg.ActionConcurrency,
		Timeout:     cfg.ActionTimeout,
	})

	api := httpapi.New(httpapi.Deps{
		Store:      store,
		Auth:       authSvc,
		Authz:      authorizer,
		History:    history.New(cfg.SnapshotInterval, cfg.MaxChainDepth),
		Storage:    st,
		Downloads:  downloads,
		Scheduler:  scheduler,
		Triggers:   triggers,
		Queue:      q,
		Registry:   registry,
		Encryption: enc,
		Hooks:      hub,
		Metrics:    m,
		Logger:     logger,
		Version:    version.Version,
	})

	return &App{
		cfg:        cfg,
		store:      store,
		metrics:    m,
		mail:       mail,
		auth:       authSvc,
		authorizer: authorizer,
		storage:    st,
		builder:    builder,
		scheduler:  scheduler,
		downloads:  downloads,
		queue:      q,
		registry:   registry,
		enc:        enc,
		hub:        hub,
		triggers:   triggers,
		consumer:   consumer,
		api:        api,
	}, nil
}

// Run starts the HTTP listener and the background loops, then blocks
// until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}

	// Downloads stream archives of arbitrary size, so the server carries
	// no write deadline; only header reads are bounded.
	a.httpServer = &http.Server{
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
		}
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "base_url", a.cfg.BaseURL)

	if err := a.triggers.StartAll(ctx); err != nil {
		slog.Error("trigger runtimes failed to start", "err", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("action consumer stopped", "err", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.auth.Sweep()
			}
		}
	}()

	slog.Info("latchflow is running; press Ctrl+C to stop", "env", a.cfg.Env)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the application down: stop accepting requests, stop trigger
// fan-out, drain the action consumer, then release storage and the store.
func (a *App) Stop() {
	if a.httpServer != nil {
		slog.Info("stopping http server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		cancel()
	}

	// Final counter snapshot, logged before any runtime stops.
	if snaps, err := a.metrics.Gather(); err == nil {
		fields := make([]any, 0, len(snaps)*2)
		for _, sn := range snaps {
			if sn.Total != 0 {
				fields = append(fields, sn.Name, sn.Total)
			}
		}
		slog.Info("metrics snapshot", fields...)
	}

	slog.Info("stopping trigger runtimes")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.triggers.StopAll(stopCtx)
	cancel()

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.queue.Close(); err != nil {
		slog.Warn("queue close", "err", err)
	}
	a.wg.Wait()

	slog.Info("stopping bundle scheduler")
	a.scheduler.Stop()

	if err := a.authorizer.Close(); err != nil {
		slog.Warn("authorizer close", "err", err)
	}

	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Warn("database close", "err", err)
	}
}
