// gagsync - death-roll coordination and throttled action relay server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/gagsync/internal/api"
	"github.com/ashureev/gagsync/internal/audit"
	"github.com/ashureev/gagsync/internal/chat"
	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/config"
	"github.com/ashureev/gagsync/internal/deathroll"
	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/feed"
	"github.com/ashureev/gagsync/internal/identity"
	"github.com/ashureev/gagsync/internal/metrics"
	"github.com/ashureev/gagsync/internal/middleware"
	"github.com/ashureev/gagsync/internal/ratelimit"
	"github.com/ashureev/gagsync/internal/reaper"
	"github.com/ashureev/gagsync/internal/rpc"
	"github.com/ashureev/gagsync/internal/store"
	"github.com/ashureev/gagsync/internal/trigger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	m, err := metrics.New()
	if err != nil {
		return err
	}

	clk := clock.System{}
	local := identity.NewLocal(cfg.PlayerIdentity)
	if cfg.PlayerIdentity != "" && local.CurrentIdentity() == "" {
		slog.Warn("PLAYER_IDENTITY is not a valid player name, ignoring", "value", cfg.PlayerIdentity)
	}

	strikeAudit := audit.NewRecorder(repo, clk, 0, logger)
	limiter := ratelimit.New(clk, cfg.RateLimit.Window, cfg.RateLimit.Caps,
		ratelimit.WithGracePeriod(cfg.RateLimit.Grace),
		ratelimit.WithEscalation(cfg.RateLimit.Escalation),
		ratelimit.WithStrikePolicy(cfg.RateLimit.StrikePolicy),
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(func(c domain.ActionCategory, res ratelimit.Result) {
			m.ObserveAdmission(c, res)
			strikeAudit.Observe(c, res)
		}),
	)

	hub := chat.NewHub(logger)

	triggerOpts := []trigger.Option{
		trigger.WithRecorder(repo),
		trigger.WithNotifier(hub),
		trigger.WithWorkers(cfg.TriggerWorkers),
		trigger.WithLogger(logger),
	}
	if cfg.DeathRoll.LossAction != domain.CategoryUnknown {
		triggerOpts = append(triggerOpts, trigger.WithLossAction(trigger.LossAction{
			Category: cfg.DeathRoll.LossAction,
			Detail:   cfg.DeathRoll.LossDetail,
		}))
	}
	triggers := trigger.NewHandler(limiter, hub, local, clk, triggerOpts...)
	defer triggers.Stop()

	coordinator := deathroll.New(clk, func(s domain.RollSession) {
		m.ObserveCompletion()
		triggers.OnComplete(s)
	}, deathroll.WithLogger(logger))

	queue := feed.NewQueue(cfg.FeedQueueSize, logger)
	if err := m.RegisterActiveSessions(coordinator.Len); err != nil {
		return err
	}
	if err := m.RegisterFeedDropped(queue.Dropped); err != nil {
		return err
	}

	// Router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(local))

	api.NewHealthHandler(repo).RegisterHealth(r)
	api.NewHandler(coordinator, limiter, repo, triggers, queue, local).RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/ws/chat", chat.NewWebSocketHandler(hub, queue, chat.HandlerConfig{
		AllowedOrigin:  cfg.AllowedOrigin,
		IsDev:          cfg.IsDevelopment(),
		LinesPerSecond: cfg.ChatLinesPerSecond,
		LineBurst:      cfg.ChatLineBurst,
	}, logger).ServeHTTP)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	health := rpc.NewServer(repo, 0, logger)

	sweeper := reaper.New(coordinator, repo, clk, reaper.Config{
		Interval:         cfg.DeathRoll.SweepInterval,
		SessionTTL:       cfg.DeathRoll.SessionTTL,
		HistoryRetention: cfg.HistoryRetention,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return health.Serve(gctx, grpcLis)
	})
	g.Go(func() error {
		err := feed.Run(gctx, queue.Events(), coordinator)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		queue.Close()
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return strikeAudit.Run(gctx)
	})

	return g.Wait()
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.AllowedOrigin == "*" {
		return []string{"*"}
	}
	return []string{cfg.AllowedOrigin}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
