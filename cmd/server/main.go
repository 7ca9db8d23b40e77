package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/satyamallipudi/qms-trading-bot/internal/broker"
	"github.com/satyamallipudi/qms-trading-bot/internal/config"
	"github.com/satyamallipudi/qms-trading-bot/internal/engine"
	"github.com/satyamallipudi/qms-trading-bot/internal/leaderboard"
	"github.com/satyamallipudi/qms-trading-bot/internal/notify"
	"github.com/satyamallipudi/qms-trading-bot/internal/schedule"
	"github.com/satyamallipudi/qms-trading-bot/internal/server"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (ledger will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Broker ---
	var br broker.Broker
	switch cfg.Broker {
	case "paper":
		slog.Warn("using simulated paper broker, no real orders will be placed")
		br = broker.NewPaper(nil)
	default:
		br = broker.NewAlpaca(cfg.AlpacaBaseURL, cfg.AlpacaDataURL, cfg.AlpacaKey, cfg.AlpacaSecret)
		slog.Info("Alpaca broker configured", "base_url", cfg.AlpacaBaseURL)
	}

	// --- Leaderboard client ---
	board := leaderboard.NewClient(cfg.LeaderboardURL, cfg.LeaderboardToken)

	// --- Notifications ---
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.SMTPHost != "" {
		notifiers = append(notifiers, &notify.SMTPNotifier{
			Host:     cfg.SMTPHost,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			To:       cfg.MailTo,
		})
		slog.Info("mail reports enabled", "to", cfg.MailTo)
	}

	// --- Engine ---
	eng := engine.New(st, br, board, notifiers, cfg.Portfolios, engine.Config{TopN: cfg.TopN})
	slog.Info("engine ready", "portfolios", len(eng.Portfolios()), "top_n", cfg.TopN)

	// --- Internal scheduler (optional) ---
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	if cfg.Schedule {
		sched, err := schedule.New(eng)
		if err != nil {
			slog.Error("scheduler init failed", "err", err)
			os.Exit(1)
		}
		go sched.Run(schedCtx)
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.New(eng, st, cfg.WebhookSecret).Router(),
		ReadTimeout: 10 * time.Second,
		// A triggered run responds with the full summary, so writes can
		// be in flight for as long as a run takes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("rebalancer listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSched()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rebalancer...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("rebalancer stopped")
}
