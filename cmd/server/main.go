package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"wmsgate/internal/blank"
	"wmsgate/internal/cache"
	"wmsgate/internal/config"
	httphandlers "wmsgate/internal/http"
	"wmsgate/internal/layer_list"
	"wmsgate/internal/logger"
	"wmsgate/internal/raster"
	"wmsgate/internal/stitch"
	"wmsgate/internal/wms"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // no disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting WMS server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("layers_file", cfg.LayersFile),
		zap.Duration("fetch_timeout", cfg.FetchTimeout),
	)

	tileCache, err := cache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.CacheMemoryTiles, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	scanner := layer_list.New(cfg.DataDir, cfg.LayersFile, tileCache, log)
	if err := scanner.Scan(context.Background()); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	defer scanner.Close()

	codec := raster.NewVipsCodec()
	blanks := blank.New(codec, cache.NewMemoryCache(cfg.BlankCacheTiles), log)
	stitcher := stitch.New(codec, cfg.StitchConcurrency, log)
	renderer := wms.NewRenderer(stitcher, codec, blanks, cfg.FetchTimeout, log)

	handlers := httphandlers.New(cfg, log, scanner, renderer)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}
