// skytry is a Bluesky client backend: it signs users in with atproto
// OAuth (PAR, PKCE and DPoP-bound tokens), keeps their sessions fresh,
// proxies authenticated requests to their PDS, and resolves publication
// sites to their documents.
//
// It reads configuration from skytry.json in the working directory (or
// the path given by -config or SKYTRY_CONFIG), optionally connects to
// PostgreSQL for durable sessions, and starts an HTTP server.
//
// Usage:
//
//	./skytry                      # reads ./skytry.json, starts server
//	./skytry -config /etc/skytry.json
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

	"github.com/primal-host/skytry/internal/config"
	"github.com/primal-host/skytry/internal/database"
	"github.com/primal-host/skytry/internal/identity"
	"github.com/primal-host/skytry/internal/oauth"
	"github.com/primal-host/skytry/internal/publication"
	"github.com/primal-host/skytry/internal/server"
	"github.com/primal-host/skytry/internal/session"
)

// Sessions untouched for this long are removed from the database.
const sessionRetention = 90 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "Path to skytry.json (default $SKYTRY_CONFIG or ./skytry.json)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("skytry starting")

	// Load configuration.
	path := config.Path(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "err", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "listen", cfg.ListenAddr, "publicURL", cfg.PublicURL, "database", cfg.HasDatabase())

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	// Sessions live in PostgreSQL when configured, in memory otherwise.
	var sessions oauth.SessionStore = oauth.NewMemSessionStore()
	if cfg.HasDatabase() {
		db, err := database.Open(ctx, cfg.ConnString())
		if err != nil {
			logger.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("database connected, schema bootstrapped", "db", cfg.DBName)

		store := session.NewStore(db)
		go pruneSessions(ctx, store, logger)
		sessions = store
	}

	ident := identity.NewResolver(identity.Config{
		PLCDirectory: cfg.PLCDirectory,
		Timeout:      cfg.RequestTimeout.Std(),
		PLCRateLimit: cfg.PLCRateLimit,
		RetryMax:     2,
	})

	// OAuth requests are never retried at the transport level; the only
	// retry is the nonce challenge handled by the oauth package.
	oauthHTTP := &http.Client{Timeout: cfg.RequestTimeout.Std()}
	client := oauth.NewClientConfig(cfg.PublicURL, cfg.ClientName, cfg.Scope)

	flow := oauth.NewFlow(client, oauthHTTP, oauth.NewCacheRequestStore(4096, cfg.AuthRequestTTL.Std()), sessions)
	manager := oauth.NewManager(client, oauthHTTP, sessions, ident)
	manager.Threshold = cfg.RefreshThreshold.Std()

	srv, err := server.New(cfg, server.Deps{
		Flow:         flow,
		Manager:      manager,
		Identity:     ident,
		Publications: publication.New(ident.HTTP, ident),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build server", "err", err)
		os.Exit(1)
	}

	// Start the HTTP server (blocks until context is cancelled).
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}

	logger.Info("skytry stopped")
}

// pruneSessions removes abandoned sessions once an hour until ctx ends.
func pruneSessions(ctx context.Context, store *session.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-sessionRetention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("session prune failed", "err", err)
		case n > 0:
			logger.Info("pruned idle sessions", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
