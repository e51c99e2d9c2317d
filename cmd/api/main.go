package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"leora.app/internal/auth"
	"leora.app/internal/config"
	"leora.app/internal/guard"
	"leora.app/internal/httpapi"
	"leora.app/internal/obs"
	"leora.app/internal/ratelimit"
	"leora.app/internal/store/memory"
	"leora.app/internal/store/pg"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		obs.Logger().WithError(err).Fatal("leora-api stopped")
	}
}

type backends struct {
	identities auth.IdentityStore
	sessions   auth.SessionStore
	tenants    auth.TenantStore
	attempts   ratelimit.AttemptStore
	lockouts   ratelimit.LockoutStore
	ready      httpapi.ReadyCheck
	closers    []func() error
}

func (b *backends) close(log logrus.FieldLogger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.WithError(err).Warn("close_failed")
		}
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	log := obs.Logger().WithFields(logrus.Fields{"service": "leora-api", "version": version, "env": cfg.Env})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roles, err := loadRoles(cfg.RolesFile)
	if err != nil {
		return err
	}

	sweeper := ratelimit.NewSweeper(
		ratelimit.WithSchedule(cfg.Security.SweepSchedule),
		ratelimit.WithSweepLogger(log),
		ratelimit.WithSweepObserver(obs.ObserveSweep),
		ratelimit.WithSizeObserver(obs.ObserveEntries),
	)
	b, err := openBackends(ctx, cfg, sweeper)
	if err != nil {
		return err
	}
	defer b.close(log)

	signer, err := auth.NewHMACSigner(cfg.Auth.Secret)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(signer,
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	tenants, err := guard.NewTenantResolver(b.tenants,
		guard.WithDefaultTenant(cfg.DefaultTenant),
		guard.WithTenantCache(cfg.Security.TenantCacheSize, cfg.Security.TenantCacheTTL),
	)
	if err != nil {
		return err
	}
	g, err := guard.New(tokens, tenants,
		guard.WithSessionStore(b.sessions),
		guard.WithRequireSession(cfg.Auth.RequireSession),
	)
	if err != nil {
		return err
	}
	gate, err := buildGate(cfg.Security, b)
	if err != nil {
		return err
	}
	authn, err := guard.NewAuthenticator(guard.AuthenticatorConfig{
		Tokens:     tokens,
		Tenants:    tenants,
		Identities: b.identities,
		Sessions:   b.sessions,
		Roles:      roles,
		Gate:       gate,
	})
	if err != nil {
		return err
	}

	if err := sweeper.Start(); err != nil {
		return err
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.Security.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(g, authn, version,
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithReadyCheck(b.ready),
		httpapi.WithCookies(auth.CookieWriter{
			Secure:     !cfg.IsLocal(),
			Domain:     cfg.Auth.CookieDomain,
			AccessTTL:  cfg.Auth.AccessTTL,
			RefreshTTL: cfg.Auth.RefreshTTL,
		}),
		httpapi.WithCORS(cfg.CORSOrigins, cfg.IsLocal()),
		httpapi.WithFloodLimit(cfg.Security.RequestsPerSecond, cfg.Security.Burst),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", srv.Addr).Info("http_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *httpapi.GRPCServer
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = httpapi.NewGRPCServer(g, b.ready, nil)
		go refreshHealth(ctx, grpcSrv, log)
		go func() {
			log.WithField("addr", cfg.GRPCAddr).Info("grpc_listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting_down")
	case err := <-errCh:
		log.WithError(err).Error("server_failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	sweeper.Stop(shutdownCtx)
	log.Info("stopped")
	return nil
}

func loadRoles(path string) (*auth.RoleTable, error) {
	if path == "" {
		return auth.DefaultRoleTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roles: %w", err)
	}
	defer f.Close()
	return auth.LoadRoleTable(f)
}

// openBackends picks PostgreSQL or the seeded in-memory store for identities
// and sessions, and Redis or process memory for attempt counters.
func openBackends(ctx context.Context, cfg *config.Config, sweeper *ratelimit.Sweeper) (*backends, error) {
	b := &backends{ready: httpapi.ReadyCheck{Deps: map[string]httpapi.Pinger{}}}

	if cfg.DatabaseURL != "" {
		store, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.identities, b.sessions, b.tenants = store, store, store
		b.ready.Deps["postgres"] = store
		sweeper.Register("sessions", store)
	} else {
		store := memory.New()
		if cfg.SeedFile != "" {
			if err := store.LoadSeedFile(cfg.SeedFile); err != nil {
				return nil, err
			}
		}
		b.identities, b.sessions, b.tenants = store, store, store
		sweeper.Register("sessions", store)
	}

	if cfg.RedisURL != "" {
		client, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			b.close(obs.Logger())
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		store := ratelimit.NewRedisStore(client)
		b.attempts, b.lockouts = store, store
		b.ready.Deps["redis"] = store
	} else {
		store := ratelimit.NewMemoryStore()
		b.attempts, b.lockouts = store, store
		sweeper.Register("ratelimit", store)
	}
	return b, nil
}

func buildGate(sec config.SecurityConfig, b *backends) (*ratelimit.Gate, error) {
	limiter, err := ratelimit.NewLimiter(b.attempts,
		ratelimit.WithWindow(sec.LoginWindow),
		ratelimit.WithMaxAttempts(sec.LoginMaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	lockout, err := ratelimit.NewLockout(b.lockouts,
		ratelimit.WithThreshold(sec.LockoutThreshold),
		ratelimit.WithBaseDuration(sec.LockoutBase),
		ratelimit.WithFactor(sec.LockoutFactor),
	)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewGate(limiter, lockout)
}

func refreshHealth(ctx context.Context, srv *httpapi.GRPCServer, log logrus.FieldLogger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := srv.RefreshHealth(checkCtx); err != nil {
			log.WithError(err).Warn("grpc_not_serving")
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
