package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/felipepmaragno/model-gateway/internal/api"
	"github.com/felipepmaragno/model-gateway/internal/archive"
	"github.com/felipepmaragno/model-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/model-gateway/internal/config"
	"github.com/felipepmaragno/model-gateway/internal/cost"
	"github.com/felipepmaragno/model-gateway/internal/forward"
	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/metering"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/notifications"
	"github.com/felipepmaragno/model-gateway/internal/provider"
	"github.com/felipepmaragno/model-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/model-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/model-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/model-gateway/internal/provider/openai"
	"github.com/felipepmaragno/model-gateway/internal/queue"
	"github.com/felipepmaragno/model-gateway/internal/ratelimit"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	"github.com/felipepmaragno/model-gateway/internal/router"
	"github.com/felipepmaragno/model-gateway/internal/scheduler"
	"github.com/felipepmaragno/model-gateway/internal/secrets"
	"github.com/felipepmaragno/model-gateway/internal/signing"
	"github.com/felipepmaragno/model-gateway/internal/telemetry"
	"github.com/felipepmaragno/model-gateway/internal/usage"
	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting model gateway", "addr", cfg.Addr, "service", cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	var awsCfg aws.Config
	if cfg.AWSRegion != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
	}

	var (
		calls   repository.RawCallStore
		buckets repository.BucketStore
		logs    repository.ArchiveLogStore
		checks  []api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := repository.EnsureSchema(ctx, db); err != nil {
			slog.Error("failed to prepare schema", "error", err)
			os.Exit(1)
		}
		calls = repository.NewPostgresRawCallStore(db)
		buckets = repository.NewPostgresBucketStore(db)
		logs = repository.NewPostgresArchiveLogStore(db)
		checks = append(checks, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres stores")
	} else {
		calls = repository.NewInMemoryRawCallStore()
		buckets = repository.NewInMemoryBucketStore()
		logs = repository.NewInMemoryArchiveLogStore()
		slog.Warn("DATABASE_URL not set, usage data is kept in memory")
	}

	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := scheduler.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
		checks = append(checks, api.NewRedisHealthChecker(redisLocker))
		slog.Info("using redis job locks")
	} else {
		locker = scheduler.NewLocalLocker()
		slog.Info("using in-process job locks")
	}

	var limiter ratelimit.RateLimiter
	if cfg.RateLimitRPM > 0 {
		if cfg.RedisURL != "" {
			redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
			if err != nil {
				slog.Error("failed to connect rate limiter to redis", "error", err)
				os.Exit(1)
			}
			defer redisLimiter.Close()
			limiter = redisLimiter
		} else {
			limiter = ratelimit.NewInMemoryRateLimiter()
		}
		slog.Info("rate limiting enabled", "rpm", cfg.RateLimitRPM)
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.NotifyTopicARN != "" {
		notifier = notifications.NewSNSNotifierWithConfig(awsCfg, cfg.NotifyTopicARN)
		slog.Info("job failures notify sns", "topic", cfg.NotifyTopicARN)
	}

	var keys signing.Keyring
	if cfg.SigningSecretName != "" {
		keys = signing.NewSecretsManagerKeyring(awsCfg, cfg.SigningSecretName)
		slog.Info("signing keys from secrets manager", "secret", cfg.SigningSecretName)
	} else {
		keys = signing.NewHKDFKeyring(cfg.SigningSecret)
	}
	verifier := signing.NewVerifier(keys, cfg.ServiceName, cfg.SignatureWindow)
	signer := signing.NewSigner(keys, cfg.ServiceName, cfg.SignatureWindow)

	var remote signing.Authenticator
	if cfg.RemoteServiceSecret != "" {
		remote = signing.NewRemoteServiceAuth(cfg.RemoteServiceSecret, cfg.ServiceName)
	}

	if cfg.ProviderSecretName != "" {
		providerKeys, err := secrets.LoadProviderKeys(ctx, secrets.NewAWSSecretsManagerWithConfig(awsCfg), cfg.ProviderSecretName)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		providerKeys.Fill(&cfg.OpenAIAPIKey, &cfg.AnthropicAPIKey)
		slog.Info("provider keys loaded from secrets manager", "secret", cfg.ProviderSecretName)
	}

	providers := make(map[string]provider.Provider)
	client := httputil.StreamingClient()

	if cfg.OpenAIAPIKey != "" {
		providers[openai.ID] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, client)
		slog.Info("registered provider", "provider", openai.ID)
	}
	if cfg.AnthropicAPIKey != "" {
		providers[anthropic.ID] = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, client)
		slog.Info("registered provider", "provider", anthropic.ID)
	}
	if cfg.OllamaBaseURL != "" {
		providers[ollama.ID] = ollama.New(cfg.OllamaBaseURL, client)
		slog.Info("registered provider", "provider", ollama.ID, "url", cfg.OllamaBaseURL)
	}
	if cfg.BedrockEnabled {
		if cfg.AWSRegion == "" {
			slog.Error("BEDROCK_ENABLED requires AWS_REGION")
			os.Exit(1)
		}
		providers[bedrock.ID] = bedrock.NewWithConfig(awsCfg)
		slog.Info("registered provider", "provider", bedrock.ID, "region", cfg.AWSRegion)
	}
	if len(providers) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
		circuitbreaker.WithStateHook(func(name string, s circuitbreaker.State) {
			metrics.SetCircuitBreakerState(name, int(s))
		}),
	)
	var forwarder *forward.Forwarder
	if len(cfg.ForwardTargets) > 0 {
		forwarder, err = forward.New(cfg.ForwardTargets, signer, client, breakers)
		if err != nil {
			slog.Error("invalid forward targets", "error", err)
			os.Exit(1)
		}
		slog.Info("forwarding enabled", "targets", forwarder.Targets())
	}

	ids := idgen.NewUUIDGenerator()

	var recorderOpts []metering.Option
	var ingestor *metering.Ingestor
	if cfg.MeteringQueueURL != "" {
		q := queue.NewSQSQueueWithConfig(awsCfg, cfg.MeteringQueueURL)
		recorderOpts = append(recorderOpts, metering.WithQueue(q))
		ingestor = metering.NewIngestor(q, calls, metering.WithIngestNotifier(notifier))
		slog.Info("metering through sqs", "queue", cfg.MeteringQueueURL)
	}
	recorder := metering.NewRecorder(calls, cost.NewCalculator(), ids, recorderOpts...)

	aggregator := usage.New(calls, buckets, usage.Config{
		DefaultAppScope: cfg.DefaultAppScope,
		Slice:           cfg.BackfillSlice,
		Lookback:        2 * time.Hour,
		Horizon:         cfg.ArchiveAfter,
	}, usage.WithNotifier(notifier))

	coldStore, err := archive.OpenSQLiteColdStore(cfg.ColdStorePath)
	if err != nil {
		slog.Error("failed to open cold store", "error", err)
		os.Exit(1)
	}
	defer coldStore.Close()
	checks = append(checks, api.NewColdStoreHealthChecker(coldStore))

	archiver := archive.New(calls, coldStore, logs, ids, archive.Config{
		ArchiveAfter: cfg.ArchiveAfter,
		BatchSize:    cfg.ArchiveBatchSize,
		MaxBatches:   100,
	}, archive.WithNotifier(notifier))

	jobs := scheduler.New(locker)
	if err := jobs.Register(usage.JobName, cfg.AggregationSchedule, aggregator.AggregateRecent); err != nil {
		slog.Error("failed to schedule aggregation", "error", err)
		os.Exit(1)
	}
	if err := jobs.Register(archive.JobName, cfg.ArchivalSchedule, archiver.Run); err != nil {
		slog.Error("failed to schedule archival", "error", err)
		os.Exit(1)
	}

	handler, err := api.NewHandler(api.HandlerConfig{
		Router:            router.New(providers, cfg.DefaultProvider),
		Recorder:          recorder,
		Forwarder:         forwarder,
		Verifier:          verifier,
		Remote:            remote,
		IDs:               ids,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
		Checkers:          checks,
		RateLimit: api.RateLimitConfig{
			Limiter:           limiter,
			RequestsPerMinute: cfg.RateLimitRPM,
			DefaultScope:      cfg.DefaultAppScope,
		},
		Usage: api.UsageConfig{
			Buckets:     buckets,
			ArchiveLogs: logs,
			Backfiller:  aggregator,
			Background:  ctx,
			Locker:      locker,
			LockName:    usage.JobName,
		},
	})
	if err != nil {
		slog.Error("failed to build handler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streams are bounded by the idle timeout instead.
		IdleTimeout: 120 * time.Second,
	}

	ingestDone := make(chan struct{})
	if ingestor != nil {
		go func() {
			defer close(ingestDone)
			if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("metering ingestor stopped", "error", err)
			}
		}()
	} else {
		close(ingestDone)
	}

	jobs.Start()

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// In-flight streams get DrainTimeout to finish; the rest are cut and
	// recorded as canceled.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("drain timed out, closing open streams", "error", err)
		srv.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := jobs.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler did not stop cleanly", "error", err)
	}
	cancel()
	select {
	case <-ingestDone:
	case <-shutdownCtx.Done():
		slog.Warn("ingestor did not stop before shutdown timeout")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
