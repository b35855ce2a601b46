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

	"go.uber.org/zap"

	"firefighter.org/internal/config"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/stubapi"
)

var version = "0.1.0"

func main() {
	cfg, err := config.LoadStub()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.InitLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo("ffstub", version)

	api, err := stubapi.New(cfg.JWTSecret,
		stubapi.WithLogger(logger),
		stubapi.WithAdminEmails(cfg.AdminEmails...),
		stubapi.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		stubapi.WithTokenTTL(cfg.TokenTTL),
		stubapi.WithVersion(version),
	)
	if err != nil {
		logger.Fatal("build stub api", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go api.Limiter().Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting ffstub", zap.String("version", version), zap.String("addr", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
