package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/aesgcm"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/clientconfig"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/fallback"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/filestore"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/prommetrics"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/provision"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/redisstore"
	sqliteadapter "github.com/ericfisherdev/keyrelay/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/upstream"
	httphandler "github.com/ericfisherdev/keyrelay/internal/adapter/driving/http"
	"github.com/ericfisherdev/keyrelay/internal/application"
	"github.com/ericfisherdev/keyrelay/internal/config"
	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"upstream_url", cfg.UpstreamURL,
		"check_interval", cfg.CheckInterval,
		"provisioning", len(cfg.ProvisionCmd) > 0,
		"client_config", cfg.ClientConfigPath,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the configured storage backend.
	poolStore, stateStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Wire driven adapters.
	cipher, err := aesgcm.NewCipher(cfg.SecretKey)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewCollector(registry, prommetrics.DefaultNamespace)

	validator := upstream.NewValidator(cfg.UpstreamURL,
		upstream.WithTimeout(cfg.ValidateTimeout),
		upstream.WithKeyPattern(cfg.KeyPattern),
		upstream.WithRateLimit(cfg.ValidateRPS, cfg.ValidateBurst),
	)

	// 5. Load pool and settings, then build the services.
	pool, err := application.LoadKeyPool(ctx, poolStore, cipher, logger)
	if err != nil {
		return err
	}
	logger.Info("key pool loaded", "keys", pool.Len())

	settings, err := application.LoadSettingsService(ctx, stateStore, cfg.Settings(), logger)
	if err != nil {
		return err
	}

	rotatorOpts := []application.RotatorOption{application.WithRotatorMetrics(metrics)}
	if len(cfg.ProvisionCmd) > 0 {
		provisioner, err := provision.NewCommand(cfg.ProvisionCmd, cfg.ProvisionTimeout, logger)
		if err != nil {
			return err
		}
		rotatorOpts = append(rotatorOpts, application.WithProvisioner(provisioner))
	}
	rotator := application.NewKeyRotator(pool, validator, settings, logger, rotatorOpts...)

	catalogClient := upstream.NewCachingClient()
	switchOpts := []application.SwitchOption{
		application.WithSwitchMetrics(metrics),
		application.WithProbeTimeouts(cfg.ProbeTimeout, 0),
		application.WithModelCatalog(model.ProviderOpenRouter, upstream.NewOpenRouterCatalog(cfg.UpstreamURL, catalogClient)),
		application.WithModelCatalog(model.ProviderOllama, upstream.NewOllamaCatalog(cfg.OllamaURL, catalogClient)),
		application.WithReadinessProbe(model.ProviderOllama, fallback.NewProbe(strings.TrimRight(cfg.OllamaURL, "/")+"/api/tags",
			fallback.WithStartCommand(cfg.OllamaStartCmd),
			fallback.WithLogger(logger),
		)),
		application.WithReadinessProbe(model.ProviderPhind, fallback.NewProbe(cfg.PhindURL,
			fallback.WithStartCommand(cfg.PhindRecoverCmd()),
			fallback.WithLogger(logger),
		)),
	}
	if cfg.ClientConfigPath != "" {
		switchOpts = append(switchOpts, application.WithClientConfigSink(clientconfig.NewSink(cfg.ClientConfigPath)))
	}
	switcher := application.NewProviderSwitch(cfg.ProviderProfiles(), rotator, stateStore, logger, switchOpts...)
	if err := switcher.LoadState(ctx); err != nil {
		return err
	}
	rotator.OnActivate(switcher.KeyActivated)

	monitor := application.NewHealthMonitor(rotator, switcher, settings, metrics, application.MonitorConfig{
		PollWait:    cfg.DaemonPollWait,
		IdleWait:    cfg.DaemonIdleWait,
		StopTimeout: cfg.DaemonStopTimeout,
	}, logger)

	control := application.NewControlService(ctx, rotator, switcher, settings, monitor, logger)

	// 6. Start the health monitor.
	if cfg.DaemonAutostart {
		monitor.Start(ctx)
	}

	// 7. Create HTTP handler and register API routes.
	apiHandler := httphandler.NewHandler(control, logger)
	handler := httphandler.NewServeMux(apiHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ProvisionTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// 8. Log startup complete.
	state := switcher.State()
	logger.Info("keyrelay started",
		"listen_addr", cfg.ListenAddr,
		"provider", state.Provider,
		"model", state.Model,
		"keys", pool.Len(),
		"daemon", monitor.Status().Status,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down")

	// 10. Graceful shutdown: drain HTTP, stop the daemon, wait for recoveries.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	monitor.Stop()
	switcher.Wait()

	// 11. Log shutdown complete.
	logger.Info("shutdown complete")
	return nil
}

// openStore opens the backend selected by cfg.Store and returns its pool and
// state stores along with a close function.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (driven.PoolStore, driven.StateStore, func(), error) {
	switch cfg.Store {
	case config.StoreFile:
		store := filestore.New(cfg.StateFile)
		logger.Info("file store opened", "path", cfg.StateFile)
		return store, store, func() {}, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := redisstore.New(rdb, redisstore.WithPrefix(cfg.RedisPrefix))

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("redis store connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)

		return store, store, func() {
			if err := rdb.Close(); err != nil {
				logger.Error("error closing redis client", "error", err)
			}
		}, nil

	default:
		// Dual reader/writer with WAL mode; migrations run on the writer.
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		version, err := sqliteadapter.RunMigrations(db.Writer, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		logger.Info("database opened", "path", cfg.DBPath, "schema_version", version)

		return sqliteadapter.NewPoolRepo(db), sqliteadapter.NewStateRepo(db), func() {
			if err := db.Close(); err != nil {
				logger.Error("error closing database", "error", err)
			}
		}, nil
	}
}
