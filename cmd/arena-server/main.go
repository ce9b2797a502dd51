package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/arena"
	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/drafts"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	cat, err := msgcat.New(cfg.MsgTemplateDir)
	if err != nil {
		obslog.L().Fatal("message catalog init failed", zap.Error(err))
	}

	verifier := buildVerifier(cfg)
	positions := buildPositions(cfg)

	store := arena.NewStore(cfg.RoomGracePeriod)
	handler := arena.NewHandler(store, verifier, positions, cat)

	scanCtx, stopScan := context.WithCancel(context.Background())
	go handler.RunClockScan(scanCtx, cfg.ClockTickInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ws.NewServer(handler, verifier, cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("shutting_down")
	stopScan()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("shutdown did not finish cleanly", zap.Error(err))
	}
	if c, ok := positions.(*drafts.Repository); ok && c != nil {
		_ = c.Close()
	}
}

// buildVerifier prefers the shared Redis session store; a remote auth
// service over HTTP is the fallback. With neither configured every client
// stays anonymous.
func buildVerifier(cfg *config.AppConfig) auth.Verifier {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url error: %v", err)
		}
		return auth.NewRedisVerifier(redis.NewClient(opt))
	}
	if cfg.AuthBaseURL != "" {
		return auth.NewHTTPVerifier(cfg.AuthBaseURL)
	}
	obslog.L().Warn("no session verifier configured, all clients anonymous")
	return nil
}

func buildPositions(cfg *config.AppConfig) drafts.PositionProvider {
	if cfg.DatabaseURL == "" {
		return nil
	}
	repo, err := drafts.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("drafts repository error: %v", err)
	}
	return repo
}
