// Command eliotd serves the symbolication HTTP API described in
// spec.md §6: it reads its configuration from the environment, wires
// the disk cache, downloader, and symbolicator, and serves until
// SIGINT/SIGTERM triggers a graceful shutdown.
//
// Grounded on the teacher's uploader-extension Start/Shutdown split
// (uploader-extension/uploader.go), adapted from a collector extension
// lifecycle into a plain main() with an explicit signal-driven shutdown
// since this binary has no surrounding collector process to own that.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozilla-services/eliot/internal/api"
	"github.com/mozilla-services/eliot/internal/config"
	"github.com/mozilla-services/eliot/internal/diskcache"
	"github.com/mozilla-services/eliot/internal/fetch"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symbolicator"
	"github.com/mozilla-services/eliot/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eliotd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	m, err := metrics.New(cfg.StatsdHost, cfg.StatsdPort)
	if err != nil {
		return fmt.Errorf("constructing metrics client: %w", err)
	}

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	sources, err := fetch.NewSources(ctx, cfg.SymbolURLs)
	if err != nil {
		return fmt.Errorf("configuring symbol sources: %w", err)
	}
	downloader := fetch.New(fetch.Config{
		Sources:        sources,
		AttemptTimeout: cfg.DownloaderTimeout,
		ModuleBudget:   cfg.DownloaderModuleBudget,
		Retries:        cfg.DownloaderRetries,
	}, m)

	cache, err := diskcache.New(diskcache.Config{
		Root:         cfg.DiskCacheRoot,
		MaxBytes:     cfg.DiskCacheMaxBytes,
		LowWaterByte: cfg.DiskCacheLowWaterBytes(),
		NegativeTTL:  cfg.DiskCacheNegativeTTL,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("constructing disk cache: %w", err)
	}

	sym := symbolicator.New(symbolicator.Config{
		Cache:              cache,
		Downloader:         downloader,
		RequestConcurrency: cfg.RequestConcurrency,
		BuildConcurrency:   cfg.BuildConcurrency,
	}, logger, m)

	handler := api.New(api.Config{
		Symbolicator:    sym,
		Cache:           cache,
		MaxJobs:         cfg.MaxJobs,
		RequestDeadline: cfg.RequestDeadline,
		Version:         version.Current(),
	}, logger, m)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewRouter(handler),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("eliotd listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
