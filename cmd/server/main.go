package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/auth"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/chat"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/config"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/database"
	internalhttp "github.com/mahmoudgadmostafa/al-madrasa/internal/http"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/identity"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/logger"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/notify"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/session"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(0).Fatal("config load failed", "error", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, cfg.Database.URL); err != nil {
		log.Fatal("migration failed", "error", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("db connection failed", "error", err)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal("redis ping failed", "error", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error("redis close error", "error", err)
			}
		}()
	} else {
		log.Warn("redis disabled, live feeds deliver initial snapshots only")
	}

	st := store.NewPostgres(pool, redisClient, log)
	provider := identity.NewPostgresProvider(pool, cfg.Auth.RecentLoginWindow)

	var revoker auth.Revoker
	if redisClient != nil {
		revoker = auth.NewRedisRevoker(redisClient, cfg.Auth.AccessTokenTTL)
	} else {
		revoker = auth.NewMemoryRevoker(cfg.Auth.AccessTokenTTL)
	}

	registry := session.NewRegistry(ctx, func() *session.Manager {
		return session.NewManager(provider, st, log, session.Config{
			EmailDomain:    cfg.Auth.EmailDomain,
			ResolveTimeout: cfg.Auth.ResolveTimeout,
		})
	})
	defer registry.Close()

	server := internalhttp.NewServer(cfg, log, st, provider, registry, revoker,
		notify.NewService(st, log), chat.NewService(st, log))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
