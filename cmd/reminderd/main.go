package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/ai"
	"github.com/hray3182/concierge/internal/channel"
	"github.com/hray3182/concierge/internal/config"
	"github.com/hray3182/concierge/internal/database"
	"github.com/hray3182/concierge/internal/logging"
	"github.com/hray3182/concierge/internal/metrics"
	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/reminder"
	"github.com/hray3182/concierge/internal/repository"
	"github.com/hray3182/concierge/internal/scheduler"
	"github.com/hray3182/concierge/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reminderd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.Migrate(ctx, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	sender, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var composer scheduler.Composer
	if cfg.AIAPIKey != "" {
		composer = ai.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
		logger.Info("AI composer initialized", zap.String("model", cfg.AIModel))
	} else {
		composer = ai.NewTemplateComposer()
		logger.Info("AI composer not configured, using template messages")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	policy := reminder.DeliveryPolicy{Hour: cfg.DeliveryHour, Location: loc}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store := repository.NewPostgresStore(db)
	svc := reminder.NewService(store, policy, cfg.ClaimTTL, logger)
	dispatcher := scheduler.NewDispatcher(store, reminder.NewContextBuilder(store), composer, sender,
		scheduler.DispatcherConfig{
			MaxAttempts:     cfg.MaxAttempts,
			ClaimTTL:        cfg.ClaimTTL,
			DispatchTimeout: cfg.DispatchTimeout,
			SendRetries:     2,
		}, m, logger)

	opts := []scheduler.WorkerOption{scheduler.WithRoller(svc), scheduler.WithMetrics(m)}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		opts = append(opts, scheduler.WithCycleLock(scheduler.NewRedisLock(rdb, "reminder-cycle", cfg.Interval)))
		logger.Info("redis cycle lock enabled")
	}

	worker := scheduler.NewWorker(scheduler.NewScanner(store, cfg.BatchSize), dispatcher, scheduler.WorkerConfig{
		OrgID:         cfg.OrgID,
		Interval:      cfg.Interval,
		ShutdownGrace: cfg.ShutdownGrace,
		Concurrency:   cfg.Concurrency,
	}, logger, opts...)

	ops := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: server.New(svc, reg, cfg.OrgID, logger,
			server.WithPinger(db.Pool),
			server.WithRetryHook(worker.Notify),
		).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
			stop()
		}
	}()

	worker.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shut down")
	return nil
}

// buildRouter registers a rate-limited sender for every configured channel.
func buildRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channel.Router, error) {
	router := channel.NewRouter()

	if cfg.TelegramToken != "" {
		api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("create telegram client: %w", err)
		}
		router.Register(models.ChannelTelegram, channel.NewLimited(channel.NewTelegramSender(api), 25, 5))
		logger.Info("telegram channel enabled", zap.String("bot", api.Self.UserName))
	}

	if cfg.DiscordToken != "" {
		session, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		router.Register(models.ChannelDiscord, channel.NewLimited(channel.NewDiscordSender(session), 5, 5))
		logger.Info("discord channel enabled")
	}

	if cfg.SESFromEmail != "" {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		router.Register(models.ChannelEmail, channel.NewLimited(channel.NewEmailSender(sesv2.NewFromConfig(awsCfg), cfg.SESFromEmail), 14, 14))
		logger.Info("email channel enabled", zap.String("from", cfg.SESFromEmail))
	}

	return router, nil
}
