package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mediaconverter/api"
	"mediaconverter/config"
	"mediaconverter/services"
	"mediaconverter/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := config.NewLogger(cfg.AppEnv)
	logger.Info().Str("env", cfg.AppEnv).Msg("starting media conversion service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := services.NewJobStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("connected to database")

	// Redis is optional: without it ticks are only guarded in-process and
	// status is read from the database alone.
	var (
		redisClient *redis.Client
		locker      worker.Locker
		status      worker.StatusPublisher
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		locker = services.NewRedisLocker(redisClient, cfg.RedisPrefix)
		status = services.NewRedisStatusCache(redisClient, cfg.RedisPrefix)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var (
		objects api.Objects
		lister  worker.ObjectLister
	)
	if cfg.S3Bucket != "" {
		s3Svc, err := services.NewS3Service(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create S3 client")
		}
		objects, lister = s3Svc, s3Svc
	}

	if !cfg.HasCredentials() {
		logger.Warn().Msg("AWS credentials are not configured; conversions will fail until they are")
	}
	creds := services.Credentials{AccessKey: cfg.AWSAccessKey, SecretKey: cfg.AWSSecretKey}
	images := services.NewLambdaService(cfg.LambdaEndpoint, cfg.LambdaFunction, cfg.AWSRegion, creds, cfg.HTTPTimeout)
	videos := services.NewMediaConvertService(cfg.MediaConvertEndpoint, cfg.AWSRegion, creds, cfg.HTTPTimeout)

	dispatcher := worker.NewDispatcher(cfg, store, images, videos, status, logger)
	poller := worker.NewPoller(cfg, store, videos, services.NamingConventionResolver{}, dispatcher, logger)
	scheduler := worker.NewScheduler(poller, cfg.PollInterval, locker, logger)
	admin := worker.NewAdmin(store, lister, dispatcher, cfg.BatchPause, logger)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(&api.App{
			Uploads:    dispatcher,
			Renditions: store,
			Ops:        admin,
			Objects:    objects,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	logger.Info().
		Bool("conversion_enabled", cfg.ConversionEnabled).
		Dur("poll_interval", cfg.PollInterval).
		Str("lambda_function", cfg.LambdaFunction).
		Msg("service is ready to process conversions")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received, stopping")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all workers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timeout, forcing exit")
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info().Msg("media conversion service stopped")
}
