package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/training/sandbox-orchestrator/internal/activity"
	"github.com/training/sandbox-orchestrator/internal/builder"
	"github.com/training/sandbox-orchestrator/internal/catalog"
	"github.com/training/sandbox-orchestrator/internal/config"
	"github.com/training/sandbox-orchestrator/internal/httpapi"
	"github.com/training/sandbox-orchestrator/internal/journal"
	"github.com/training/sandbox-orchestrator/internal/lifecycle"
	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/progress"
	"github.com/training/sandbox-orchestrator/internal/proxy"
	"github.com/training/sandbox-orchestrator/internal/registry"
	"github.com/training/sandbox-orchestrator/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logging.Init(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	log := logging.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("cannot create data directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalogStore, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog store")
	}
	defer catalogStore.Close()

	registryStore, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open container registry")
	}
	defer registryStore.Close()

	journalStore, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open event journal")
	}
	defer journalStore.Close()

	progressStore, err := progress.Open(filepath.Join(cfg.DataDir, "progress.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open progress store")
	}
	defer progressStore.Close()

	activityTracker := activity.New()

	dockerAdapter, err := runtime.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime client")
	}
	defer dockerAdapter.Close()

	imageBuilder := builder.New(dockerAdapter, catalogStore, journalStore)

	manager := lifecycle.New(cfg, dockerAdapter, catalogStore, registryStore, activityTracker, journalStore, progressStore)
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start lifecycle manager")
	}

	apiApp := httpapi.NewApp(cfg, imageBuilder, manager, catalogStore, registryStore, progressStore)
	proxyServer := proxy.New(registryStore, activityTracker, cfg.ProxyTimeout)
	proxyHTTP := &http.Server{
		Addr:         cfg.ProxyAddr,
		Handler:      proxyServer.Handler(),
		ReadTimeout:  cfg.ProxyTimeout,
		WriteTimeout: cfg.ProxyTimeout,
		IdleTimeout:  cfg.ProxyTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("api listener starting")
		if err := apiApp.Listen(cfg.APIAddr); err != nil {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.ProxyAddr).Msg("proxy listener starting")
		if err := proxyHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("lifecycle manager shutdown error")
	}
	if err := apiApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api listener shutdown error")
	}
	if err := proxyHTTP.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("proxy listener shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
