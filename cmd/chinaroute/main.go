package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/chinaroute/internal/config"
	"github.com/dukerupert/chinaroute/internal/database"
	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/logging"
	"github.com/dukerupert/chinaroute/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHINAROUTE_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
		logger.Warn("CHINAROUTE_DB_PATH not set; billing records are kept in memory")
	}
	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stores := kvstore.SQLiteFactory(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		stores = kvstore.RedisFactory(rdb)
		logger.Info("using redis for session and usage state", "addr", opts.Addr)
	}

	srv := server.New(db, stores, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No write timeout: /ws/session connections stay open.
		IdleTimeout: 120 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup(30 * time.Minute)
				logger.Debug("rate limiter cleanup", "tracked", srv.RateLimiter().Len(), "ws_clients", srv.Hub().ClientCount())
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("chinaroute starting", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
