package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gallery/internal/bootstrap"
	httpapi "gallery/internal/http"
	"gallery/internal/http/handlers"
	"gallery/internal/infra"
	"gallery/internal/infra/geoip"
)

const shutdownTimeout = 30 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	stack, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build services")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	}
	if closer, ok := resolver.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	app := &handlers.App{
		Images:         stack.Images,
		Processing:     stack.Processing,
		Usage:          stack.Usage,
		Bus:            stack.Bus,
		Logger:         logger,
		Vision:         stack.Vision,
		Version:        version,
		MaxUploadBytes: cfg.MaxFileSize,
	}
	if stack.Pool != nil {
		app.Database = stack.Pool
	}
	routerOpts := httpapi.Options{
		Logger:          logger,
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   geoip.LookupFunc(resolver),
	}
	if stack.Files != nil {
		routerOpts.Static = stack.Files.Root()
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, routerOpts))
	server.RegisterOnShutdown(app.Close)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("store", cfg.StoreDriver).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	if err := stack.Close(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("api: failed to close services")
	}
	logger.Info().Msg("api: stopped")
}
