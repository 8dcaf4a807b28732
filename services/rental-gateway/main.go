package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentalpay/core/events"
	"rentalpay/core/state"
	"rentalpay/gateway/auth"
	"rentalpay/gateway/config"
	gwmw "rentalpay/gateway/middleware"
	"rentalpay/native/rental"
	"rentalpay/observability"
	"rentalpay/observability/logging"
	telemetry "rentalpay/observability/otel"
	"rentalpay/services/rental-gateway/models"
	"rentalpay/services/rental-gateway/recon"
	"rentalpay/services/rental-gateway/server"
	"rentalpay/services/rental-gateway/stream"
	"rentalpay/services/rental-gateway/webhook"
	"rentalpay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RENTAL_GATEWAY_CONFIG"), "path to the gateway YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := loadDotenv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("rental gateway stopped", "error", err)
		os.Exit(1)
	}
}

func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func run(cfg config.Config) error {
	obsCfg := cfg.Observability
	logOpts := logging.Options{Level: logging.ParseLevel(obsCfg.LogLevel)}
	if obsCfg.LogFile.Path != "" {
		logOpts.File = &logging.FileConfig{
			Path:       obsCfg.LogFile.Path,
			MaxSizeMB:  obsCfg.LogFile.MaxSizeMB,
			MaxBackups: obsCfg.LogFile.MaxBackups,
			MaxAgeDays: obsCfg.LogFile.MaxAgeDays,
			Compress:   obsCfg.LogFile.Compress,
		}
	}
	logger := logging.Setup(obsCfg.ServiceName, obsCfg.Environment, logOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: obsCfg.ServiceName,
		Environment: obsCfg.Environment,
		Endpoint:    obsCfg.OTLPEndpoint,
		Insecure:    obsCfg.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(obsCfg.OTLPHeaders),
		Metrics:     obsCfg.Metrics,
		Traces:      obsCfg.Tracing,
		SampleRatio: obsCfg.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := observability.NewLedgerMetrics(nil)
	if err != nil {
		return fmt.Errorf("register ledger metrics: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.Ledger.DataDir)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer db.Close()

	engine, err := rental.NewEngine(state.NewManager(db), rental.Params{
		CommissionBps:  cfg.Ledger.CommissionBps,
		DisputeWindow:  cfg.Ledger.DisputeWindow,
		EnforceEndTime: cfg.Release.RequireEnded,
	})
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	engine.SetLogger(logger.With("component", "rental"))
	if err := engine.Init(cfg.AdminAddress()); err != nil {
		return fmt.Errorf("initialise ledger: %w", err)
	}

	gatewayDB, err := models.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}

	queue := webhook.NewQueue(
		webhook.WithTaskCapacity(cfg.Webhooks.QueueCapacity),
		webhook.WithHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		webhook.WithTTL(cfg.Webhooks.TTL),
	)
	hub := stream.NewHub(logger.With("component", "stream"))
	fanout := events.NewFanout(metrics.EventCounter(), hub, webhook.NewPublisher(queue))
	sinks := map[string]server.DropCounter{"stream": hub}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := stream.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}
		writer, err := stream.NewKafkaWriter(kafkaCfg, logger)
		if err != nil {
			return fmt.Errorf("kafka writer: %w", err)
		}
		sink := stream.NewKafkaSink(writer, kafkaCfg, logger.With("component", "kafka"))
		defer sink.Close()
		fanout.Add(sink)
		sinks["kafka"] = sink
	}
	engine.SetEmitter(fanout)

	var challenges auth.ChallengeStore
	if cfg.Auth.ChallengeStore == config.ChallengeStoreLevelDB {
		store, err := auth.NewLevelDBChallengeStore(filepath.Join(filepath.Dir(filepath.Clean(cfg.Ledger.DataDir)), "challenges"))
		if err != nil {
			return fmt.Errorf("open challenge store: %w", err)
		}
		defer store.Close()
		go pruneChallenges(ctx, store, cfg.Auth.ChallengeTTL, logger)
		challenges = store
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		TTL:       cfg.Auth.TokenTTL,
		ClockSkew: cfg.Auth.ClockSkew,
	}, nil)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	limits := make(map[string]gwmw.RateLimit, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		limits[rl.ID] = gwmw.RateLimit{RatePerSecond: rl.RatePerSecond, Burst: rl.Burst}
	}
	httpObs, err := gwmw.NewObservability(gwmw.ObservabilityConfig{
		ServiceName:   obsCfg.ServiceName,
		MetricsPrefix: obsCfg.MetricsPrefix,
		LogRequests:   obsCfg.LogRequests,
	}, logger)
	if err != nil {
		return fmt.Errorf("http observability: %w", err)
	}

	var reconciler *recon.Reconciler
	if cfg.Recon.Enabled {
		reconciler, err = recon.NewReconciler(recon.Config{
			DB:        gatewayDB,
			Source:    engine,
			OutputDir: cfg.Recon.OutputDir,
			Logger:    logger.With("component", "recon"),
		})
		if err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
	}

	srvCfg := server.Config{
		Ledger:        engine,
		DB:            gatewayDB,
		SignIn:        auth.NewSignIn(challenges, tokens, cfg.Auth.ChallengeTTL, nil),
		Authenticator: gwmw.NewAuthenticator(tokens, logger),
		RateLimiter:   gwmw.NewRateLimiter(limits, logger),
		Observability: httpObs,
		Metrics:       metrics,
		Hub:           hub,
		Sinks:         sinks,
		CORS: gwmw.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Logger: logger,
	}
	if reconciler != nil {
		srvCfg.Reconciler = reconciler
	}
	if obsCfg.Metrics {
		srvCfg.MetricsHandler = promhttp.Handler()
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	workers := cfg.Webhooks.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		worker := webhook.NewWorker(gatewayDB, queue, cfg.Webhooks.Timeout, logger.With("component", "webhook"), metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}
	if reconciler != nil {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger.With("component", "recon"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Start(ctx)
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rental gateway listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down rental gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	wg.Wait()
	return nil
}

// pruneChallenges drops expired sign-in challenges from the persistent store.
func pruneChallenges(ctx context.Context, store *auth.LevelDBChallengeStore, ttl time.Duration, logger *slog.Logger) {
	interval := ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(ctx, now)
			if err != nil {
				logger.Warn("prune sign-in challenges", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned sign-in challenges", "removed", removed)
			}
		}
	}
}
