// Entry point for the slotwatch service: SQLite store, Chrome manager,
// monitor engine, and the chi HTTP API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slotwatch/slotwatch/api"
	"github.com/slotwatch/slotwatch/browser"
	"github.com/slotwatch/slotwatch/captcha"
	"github.com/slotwatch/slotwatch/config"
	"github.com/slotwatch/slotwatch/dbopen"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/notify"
	"github.com/slotwatch/slotwatch/store"

	_ "modernc.org/sqlite"
)

func main() {
	configPath := env("CONFIG_FILE", "slotwatch.yaml")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.Portal.BaseURL == "" {
		cfg.Portal.BaseURL = env("PORTAL_URL", "")
	}
	if cfg.Portal.BaseURL == "" {
		slog.Error("portal base URL is required (config portal.base_url or PORTAL_URL)")
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Record store.
	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		slog.Error("apply schema", "error", err)
		os.Exit(1)
	}

	// Log stream: every appended log line fans out to WebSocket clients.
	stream := api.NewLogStream()
	defer stream.Close()
	st := store.NewStore(db, store.WithLogObserver(stream.Publish))

	// A crash or SIGKILL can leave the persisted status at "running".
	if err := st.SetSystemStatus(ctx, store.StatusStopped); err != nil {
		slog.Warn("reset status", "error", err)
	}

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL:      cfg.Browser.RemoteURL,
		Headless:       cfg.Browser.Headless,
		RecycleAfter:   cfg.Browser.RecycleAfter,
		BlockResources: cfg.Browser.BlockResources,
		Logger:         logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		slog.Error("browser start", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// Engine.
	solver := captcha.New(captcha.Config{
		Threshold: cfg.Captcha.Threshold,
		Logger:    logger,
	})
	opener := engine.NewPortalOpener(mgr, engine.PortalConfig{
		BaseURL:     cfg.Portal.BaseURL,
		LoginPath:   cfg.Portal.LoginPath,
		SearchPath:  cfg.Portal.SearchPath,
		NavTimeout:  cfg.Portal.NavTimeout,
		StepTimeout: cfg.Portal.StepTimeout,
	}, logger)
	driver := engine.NewSessionDriver(opener, solver, engine.DriverConfig{
		ChallengeRetries: cfg.Monitor.ChallengeRetries,
		Logger:           logger,
	})

	var mailer notify.Mailer
	if cfg.Notify.Enabled && cfg.Notify.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
		})
	}
	sink := notify.New(notify.Config{Store: st, Mailer: mailer, Logger: logger})

	monitor := engine.NewMonitor(st, driver, sink, engine.MonitorConfig{
		Interval:      cfg.Monitor.Interval,
		BackoffBase:   cfg.Monitor.BackoffBase,
		BackoffCap:    cfg.Monitor.BackoffCap,
		MinAttemptGap: cfg.Monitor.MinAttemptGap,
		Logger:        logger,
	})

	// HTTP API.
	server := api.NewServer(api.Config{
		Store:  st,
		Engine: monitor,
		Solver: solver,
		Stream: stream,
		Logger: logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := monitor.Stop(shutdownCtx); err != nil {
		slog.Warn("monitor stop", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
