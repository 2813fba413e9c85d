package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/config"
	"tenantauth.dev/internal/httpapi"
	"tenantauth.dev/internal/notify"
	"tenantauth.dev/internal/notify/sesnotify"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/ratelimit"
	"tenantauth.dev/internal/rbac"
	"tenantauth.dev/internal/store/pg"
	"tenantauth.dev/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("AUTHD_PG_DSN is required")
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	probe := httpapi.ReadyProbe{DB: store.DB()}
	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rc, err := redisstore.Open(dialCtx, cfg.RedisAddr, cfg.RedisDB)
		cancel()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rc.Close()
		counter = rc
		probe.Redis = rc.Client()
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.SESFrom != "" {
		ses, err := sesnotify.New(ctx, cfg.AWSRegion, cfg.SESFrom)
		if err != nil {
			log.Fatalf("ses: %v", err)
		}
		notifier = ses
	}
	dispatcher := notify.NewDispatcher(notifier)
	recorder := audit.NewRecorder(store)

	guard := ratelimit.NewGuard(counter, ratelimit.WithAudit(recorder))
	resolverOpts := []rbac.ResolverOption{rbac.WithAudit(recorder)}
	if cfg.SystemTenantID != "" {
		resolverOpts = append(resolverOpts, rbac.WithSystemTenant(cfg.SystemTenantID))
	}
	resolver := rbac.NewResolver(store, resolverOpts...)

	engine, err := auth.NewEngine(auth.Deps{
		Clients:  store,
		Tokens:   store,
		Codes:    store,
		Logins:   store,
		Users:    store,
		Tenants:  store,
		Resolver: resolver,
		Policy:   policy.NewEngine(policy.WithSessionCapMode(policy.CapMode(cfg.SessionCapMode))),
		Guard:    guard,
	},
		auth.WithSigningSecret(cfg.SigningSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithAuthCodeTTL(cfg.AuthCodeTTL),
		auth.WithResetTTL(cfg.ResetTTL),
		auth.WithLookupTimeout(cfg.LookupTimeout),
		auth.WithAudit(recorder),
		auth.WithNotifier(dispatcher),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	reaper := auth.NewReaper(store, store, auth.WithReapInterval(cfg.ReapInterval))
	go func() {
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			obs.Error("reaper stopped", map[string]any{"error": err})
		}
	}()

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	api := httpapi.New(probe, cfg.Version, httpapi.Services{
		Engine:   engine,
		Audit:    store,
		Resolver: resolver,
		Tenants:  store,
		Guard:    guard,
		Sink:     recorder,
	},
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins...),
		httpapi.WithTrustedProxies(proxies...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
	httpapi.NewGRPCServer(probe, cfg.Version).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting authd", map[string]any{
		"version":   cfg.Version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		obs.Warn("notify queue not drained", map[string]any{"error": err})
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		obs.Warn("audit queue not drained", map[string]any{"error": err})
	}
	obs.Info("stopped", nil)
}
