package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/contractops/contractops/internal/api"
	"github.com/contractops/contractops/internal/auth"
	"github.com/contractops/contractops/internal/collab"
	"github.com/contractops/contractops/internal/config"
	"github.com/contractops/contractops/internal/metrics"
	"github.com/contractops/contractops/internal/notify"
	"github.com/contractops/contractops/internal/presence"
)

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses built-in defaults")
	addr := flag.String("addr", "", "listen address, overrides the config value")
	flag.Parse()

	// Local development convenience; a missing .env file is not an error.
	godotenv.Load() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("contractops-server starting",
		"addr", cfg.ListenAddr,
		"anonymous", cfg.Auth.AllowAnonymous,
		"send_buffer", cfg.Collab.SendBuffer,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// Collaboration hub: rooms, fan-out, connection lifecycle.
	hub := collab.New(cfg.Collab.SendBuffer, cfg.Collab.MaxMessageBytes, m)
	go hub.Run(ctx)

	// Presence store: Redis when configured, in-memory otherwise.
	var store presence.Store
	if url := cfg.Presence.RedisURL(); url != "" {
		rs, err := presence.NewRedisStore(url, cfg.Presence.ActiveWindow, cfg.Presence.Retention)
		if err != nil {
			slog.Error("failed to connect to redis", "err", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
		slog.Info("presence store: redis")
	} else {
		ms := presence.NewMemoryStore(cfg.Presence.ActiveWindow, cfg.Presence.Retention)
		go ms.Run(ctx)
		store = ms
		slog.Info("presence store: in-memory")
	}

	// Snapshotter mirrors live room membership into the presence store.
	snap := presence.NewSnapshotter(store, hub, cfg.Presence.SnapshotInterval)
	go snap.Run(ctx)

	// Notification engine, only when a webhook target is configured.
	var engine *notify.Engine
	if cfg.Notify.WebhookURL != "" {
		engine = notify.New(notifyRules(cfg.Notify.Rules), notify.NewWebhook(cfg.Notify.WebhookURL))
		hub.SetEventSink(engine)
		slog.Info("notifications enabled",
			"rules", len(cfg.Notify.Rules),
			"webhook", cfg.Notify.WebhookURL,
		)
	}

	// Hot-reload notification rules on config file changes.
	if *configPath != "" && engine != nil {
		go func() {
			if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
				engine.UpdateRules(notifyRules(updated.Notify.Rules))
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	secret := cfg.Auth.Secret()
	if len(secret) == 0 && !cfg.Auth.AllowAnonymous {
		slog.Warn("no JWT secret configured; every connection attempt will be rejected")
	}
	authz := auth.New(secret, cfg.Auth.AllowAnonymous)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(hub, authz, store, engine, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("contractops-server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	hub.Shutdown()
}

// notifyRules maps config rule entries onto engine rules.
func notifyRules(rules []config.NotifyRule) []notify.Rule {
	out := make([]notify.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, notify.Rule{
			Name:        r.Name,
			Types:       r.Types,
			ContractIDs: r.ContractIDs,
			Cooldown:    r.Cooldown,
		})
	}
	return out
}
