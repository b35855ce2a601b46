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

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/config"
	"firefighter.org/internal/health"
	"firefighter.org/internal/identity"
	"firefighter.org/internal/identity/firebase"
	"firefighter.org/internal/kv"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/session"
	"firefighter.org/internal/token"
	"firefighter.org/internal/tokenmonitor"
	"firefighter.org/internal/verify"
)

var version = "0.1.0"

func main() {
	cfg, err := config.LoadRuntime()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.InitLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo("firefighter", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	store, err := kv.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	idp := firebase.New(cfg.FirebaseAPIKey,
		firebase.WithHTTPClient(httpClient),
		firebase.WithEndpoints(cfg.FirebaseAuthURL, cfg.FirebaseTokenURL),
	)
	ident := identity.NewAdapter(idp, identity.WithStore(store), identity.WithLogger(logger))
	api := apiclient.New(cfg.APIBaseURL, apiclient.WithHTTPClient(httpClient), apiclient.WithLogger(logger))
	router := nav.NewRouter(cfg.InitialRoute)

	// The monitor reads from the engine and hears about every stored token.
	var monitor *tokenmonitor.Monitor
	tokens := token.NewEngine(store, api, ident,
		token.WithLifetime(cfg.TokenLifetime),
		token.WithLogger(logger),
		token.WithOnStore(func(tok token.Token) {
			if monitor != nil {
				monitor.Stored(tok)
			}
		}),
	)
	verifier := verify.New(api, store, router,
		verify.WithExchanger(tokens),
		verify.WithBootstrapTimeout(cfg.BootstrapTimeout),
		verify.WithLogger(logger),
	)
	monitor = tokenmonitor.New(tokens,
		tokenmonitor.WithInterval(cfg.TokenCheck),
		tokenmonitor.WithThreshold(cfg.RefreshThreshold),
		tokenmonitor.WithLogger(logger),
	)
	checker := health.NewChecker(api, nil)
	healthMonitor := health.NewMonitor(checker, router, store,
		health.WithInterval(cfg.HealthInterval),
		health.WithLogger(logger),
		health.WithStateHook(session.AuditConnectivity),
	)
	retrier := health.NewRetrier(checker, healthMonitor,
		health.WithRetryTimeout(cfg.RetryTimeout),
		health.WithMaxRetries(cfg.MaxRetries),
		health.WithCooldown(cfg.RetryCooldown),
	)

	svc := session.New(session.Deps{
		Identity: ident,
		Verifier: verifier,
		Tokens:   tokens,
		Monitor:  monitor,
		Health:   healthMonitor,
		Retrier:  retrier,
		Nav:      router,
	}, session.WithLogger(logger), session.WithBootstrapTimeout(cfg.BootstrapTimeout))

	go func() {
		for n := range router.Changes(ctx) {
			logger.Info("navigated", zap.String("url", n.URL()), zap.Any("state", n.State))
		}
	}()

	if err := svc.Init(ctx); err != nil {
		logger.Fatal("session init", zap.Error(err))
	}
	logger.Info("firefighter runtime started", zap.String("version", version), zap.String("api", api.BaseURL()))

	if cfg.SignInEmail != "" && ident.Current() == nil {
		_, err := svc.SignIn(ctx, identity.Credentials{
			Method:   identity.MethodPassword,
			Email:    cfg.SignInEmail,
			Password: cfg.SignInPassword,
		})
		if err != nil {
			logger.Error("sign in", zap.String("email", cfg.SignInEmail), zap.Error(err))
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	svc.Dispose()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := store.Close(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("shutdown tracing", zap.Error(err))
	}
	logger.Info("stopped")
}
