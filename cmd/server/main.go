package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Pulse/internal/adapters/http"
	"github.com/dkeye/Pulse/internal/adapters/storage/memory"
	"github.com/dkeye/Pulse/internal/adapters/storage/pebblestore"
	"github.com/dkeye/Pulse/internal/adapters/storage/sqlite"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/metrics"
)

type storage struct {
	directory   router.Directory
	checkpoints core.CheckpointStore
	closers     []io.Closer
}

func (s *storage) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("close storage")
		}
	}
}

func openStorage(cfg config.StorageConfig) (*storage, error) {
	if cfg.Driver == "memory" {
		log.Warn().Msg("memory storage: sessions and checkpoints do not survive restarts")
		return &storage{directory: memory.NewDirectory(), checkpoints: memory.NewCheckpointStore()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DirectoryPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dir, err := sqlite.Open(cfg.DirectoryPath)
	if err != nil {
		return nil, err
	}
	cps, err := pebblestore.Open(cfg.CheckpointPath)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	return &storage{directory: dir, checkpoints: cps, closers: []io.Closer{cps, dir}}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Secret == "" {
		cfg.Secret = uuid.NewString()
		log.Warn().Msg("no cookie secret configured, participant tokens reset on restart")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	manager := app.NewManager(store.directory, app.ManagerOptions{
		Coordinator: app.Options{
			Store:              store.checkpoints,
			Policy:             app.SimplePolicy{},
			Metrics:            m,
			CheckpointInterval: cfg.CheckpointInterval,
		},
		IdleGrace:       cfg.IdleGrace,
		JanitorInterval: cfg.JanitorInterval,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Sessions:  manager,
		Directory: store.directory,
		Gatherer:  reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Pulse server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return manager.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}
