package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/calls"
	"github.com/example/ride-coordination/internal/chat"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/config"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/eta"
	"github.com/example/ride-coordination/internal/geo"
	httpapi "github.com/example/ride-coordination/internal/http"
	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/realtime"
	"github.com/example/ride-coordination/internal/registry"
	"github.com/example/ride-coordination/internal/storage"
	"github.com/example/ride-coordination/internal/trips"
	"github.com/example/ride-coordination/internal/users"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file; environment variables override it")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	clk := clock.Real()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		tokens    storage.TokenStore = store
		locations geo.Locations      = geo.NewIndex()
		rdb       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		tokens = storage.NewRedisTokenStore(rdb, "")
		locations = geo.NewRedisLocations(rdb, cfg.RedisGeoKey)
		logger.Info("redis enabled", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	}

	var events ingest.Publisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaTripTopic)
		defer kp.Close()
		events = kp
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers)
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("JWT_SECRET unset; using an ephemeral signing key")
	}
	authority := auth.NewAuthority(tokens, auth.Options{
		Secret:     secret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Clock:      clk,
		Logger:     logger.With("component", "auth"),
	})
	otp := auth.NewOTPService(store, auth.OTPOptions{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		Clock:       clk,
		Logger:      logger.With("component", "otp"),
	})

	userSvc := users.NewService(store, clk, logger.With("component", "users"))
	reg := registry.New(authority, registry.Options{
		Clock:      clk,
		WarnWindow: cfg.TokenWarnWindow,
		OnOffline:  userSvc.HandleOffline,
		Logger:     logger.With("component", "registry"),
	})
	var router eta.Client = eta.Straight{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		router = eta.NewOSRMClient(cfg.OSRMURL, router, logger.With("component", "eta"))
	}
	tripSvc := trips.NewService(store, reg, trips.Options{
		Clock:       clk,
		Logger:      logger.With("component", "trips"),
		Broadcaster: dispatch.NewBroadcaster(cfg.BroadcastConcurrency, logger),
		Events:      events,
		ETA:         eta.NewEstimator(locations, router),
	})
	callSvc := calls.NewService(store, reg, clk, logger.With("component", "calls"))
	tripSvc.SetCallTerminator(callSvc)
	chatSvc := chat.NewService(store, reg, chat.DefaultFilter(), clk, logger.With("component", "chat"))
	gateway := realtime.NewGateway(reg, tripSvc, callSvc, chatSvc, userSvc, realtime.Options{
		Clock:     clk,
		Logger:    logger.With("component", "realtime"),
		Locations: locations,
		Events:    events,
	})

	api := httpapi.NewServer(httpapi.Services{
		Auth:     authority,
		OTP:      otp,
		Users:    userSvc,
		Trips:    tripSvc,
		Chat:     chatSvc,
		Calls:    callSvc,
		Realtime: gateway,
	}, httpapi.Options{
		Logger:   logger,
		TestMode: cfg.TestMode,
		Ready: func(ctx context.Context) error {
			if p, ok := store.(interface{ Ping(context.Context) error }); ok {
				if err := p.Ping(ctx); err != nil {
					return err
				}
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
	})

	if cfg.TestMode {
		logger.Info("test mode: token sweeper disabled, OTP codes returned in responses")
	} else {
		go authority.RunSweeper(ctx, cfg.TokenSweepInterval)
	}
	go reg.RunExpiryCheck(ctx, cfg.TokenCheckInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-coordination listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	reg.CloseAll(shutdownCtx, "server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	tripSvc.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := ps.Migrate(mctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated")
	}
	return ps, nil
}
