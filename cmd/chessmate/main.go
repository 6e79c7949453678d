package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chessmate/internal/archive"
	appcfg "github.com/kapu/chessmate/internal/config"
	"github.com/kapu/chessmate/internal/difficulty"
	"github.com/kapu/chessmate/internal/game"
	"github.com/kapu/chessmate/internal/obslog"
	"github.com/kapu/chessmate/internal/render"
	"github.com/kapu/chessmate/internal/server"
	"github.com/kapu/chessmate/internal/uci"
	"github.com/kapu/chessmate/pkg/gamedto"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	if cfg.TiersFile != "" {
		if err := difficulty.LoadOverrides(cfg.TiersFile); err != nil {
			logger.Fatal("load tier overrides", zap.String("file", cfg.TiersFile), zap.Error(err))
		}
	}

	repo := openArchive(cfg, logger)

	var srv *server.Server
	coord := game.NewCoordinator(
		game.WithLogger(logger.Named("coordinator")),
		game.WithArchive(repo),
		game.WithDifficultyTier(cfg.DefaultTier),
		game.WithNotify(func(snap gamedto.Snapshot) {
			if srv != nil {
				srv.Broadcast(snap)
			}
		}),
	)
	srv = server.New(coord,
		server.WithLogger(logger.Named("server")),
		server.WithRenderer(render.NewRenderer(cfg.ThemeDir)),
		server.WithArchive(repo),
	)

	attachEngine(cfg, logger, coord)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Fatal("ui bridge failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	_ = coord.Close()
}

// openArchive picks the store by what the environment offers, falling
// back to an in-process store so the game always archives somewhere.
func openArchive(cfg *appcfg.AppConfig, logger *zap.Logger) archive.Repository {
	if cfg.DatabaseURL != "" {
		repo, err := archive.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres archive init", zap.Error(err))
		}
		logger.Info("archive backend", zap.String("kind", "postgres"))
		return repo
	}
	if cfg.RedisURL != "" {
		repo, err := archive.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis archive init", zap.Error(err))
		}
		logger.Info("archive backend", zap.String("kind", "redis"))
		return repo
	}
	logger.Info("archive backend", zap.String("kind", "memory"))
	return archive.NewMemory()
}

// attachEngine spawns the engine process and hands it to the
// coordinator. On transport failure a replacement session is attached;
// dead sessions are never revived in place.
func attachEngine(cfg *appcfg.AppConfig, logger *zap.Logger, coord *game.Coordinator) {
	session, err := uci.NewSession(cfg.EnginePath, coord.HandleEngineReply,
		uci.WithLogger(logger.Named("uci")),
		uci.WithDownHandler(func(err error) {
			coord.HandleEngineDown(err)
			go respawnEngine(cfg, logger, coord)
		}),
	)
	if err != nil {
		// the bridge still serves: the human plays both sides until an
		// engine shows up on a later respawn
		logger.Warn("engine spawn failed", zap.String("path", cfg.EnginePath), zap.Error(err))
		go respawnEngine(cfg, logger, coord)
		return
	}
	coord.AttachEngine(session)
}

func respawnEngine(cfg *appcfg.AppConfig, logger *zap.Logger, coord *game.Coordinator) {
	time.Sleep(time.Duration(cfg.EngineReadyTimeoutSec) * time.Second)
	logger.Info("respawning engine", zap.String("path", cfg.EnginePath))
	attachEngine(cfg, logger, coord)
}
