package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metalbooks/backend/internal/cache"
	"metalbooks/backend/internal/config"
	"metalbooks/backend/internal/dashboard"
	"metalbooks/backend/internal/httpapi"
	"metalbooks/backend/internal/invoice"
	"metalbooks/backend/internal/service"
	"metalbooks/backend/internal/store"
	"metalbooks/backend/internal/store/memory"
	mongostore "metalbooks/backend/internal/store/mongo"
	pgstore "metalbooks/backend/internal/store/postgres"
	sqlitestore "metalbooks/backend/internal/store/sqlite"
)

const (
	backendPostgres = "postgres"
	backendMongo    = "mongo"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithField("module", "main").Fatalf("invalid security configuration: %v", err)
	}
	policy, err := invoice.ParseNegativeWeightPolicy(cfg.NegativeWeightPolicy)
	if err != nil {
		logger.WithField("module", "main").Fatalf("invalid NEGATIVE_WEIGHT_POLICY: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg)
	if err != nil {
		logger.WithField("module", "main").Fatalf("repository unavailable: %v", err)
	}
	backend := selectBackend(cfg)
	logger.WithField("backend", backend).Info("repository ready")
	if backend == backendMemory {
		logger.Warn("no persistent store configured, data is lost on restart")
	}

	cacheStore := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDashboardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache")
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	calc := invoice.NewCalculator(policy)
	board := dashboard.NewEngine(cacheStore, time.Duration(cfg.DashboardTTLSeconds)*time.Second, calc)
	svc := service.New(repo, board, service.Options{
		DefaultTaxRatePercent: cfg.DefaultTaxRatePercent,
		NegativeWeight:        policy,
		RefreshPurchasePrice:  cfg.RefreshPurchasePrice,
	}, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	if cfg.AdminEmail != "" {
		if err := auth.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.WithField("module", "main").Fatalf("admin bootstrap failed: %v", err)
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("metalbooks backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("module", "main").Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "main", "Shutdown", nil, err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			config.LogError(logger, "main", "close", nil, err)
		}
	}

	logger.Info("server stopped")
}

// selectBackend picks the first configured store in the order postgres,
// mongo, sqlite. Without any of them the seeded memory store is used.
func selectBackend(cfg config.Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return backendPostgres
	case cfg.MongoURI != "":
		return backendMongo
	case cfg.SQLitePath != "":
		return backendSQLite
	default:
		return backendMemory
	}
}

// openRepository refuses to fall back to memory when a persistent store is
// configured but unreachable.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	switch selectBackend(cfg) {
	case backendPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, []func() error{pg.Close}, nil
	case backendMongo:
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return mg, []func() error{mg.Close}, nil
	case backendSQLite:
		sq, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return sq, []func() error{sq.Close}, nil
	default:
		return memory.NewSeeded(), nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminEmail != "" && len(cfg.AdminPassword) < 8 {
		return fmt.Errorf("ADMIN_PASSWORD must be at least 8 characters when ADMIN_EMAIL is set")
	}
	return nil
}
