package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"otp-relay/internal/config"
	"otp-relay/internal/delivery"
	"otp-relay/internal/notify"
	"otp-relay/internal/portal"
	"otp-relay/internal/queue"
	"otp-relay/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	envPath := flag.String("env", ".env", "Path to dotenv file (optional)")
	flag.Parse()

	// Load config
	if err := config.LoadEnvFile(*envPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to load env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Setup logging
	closeLog := setupLogging(cfg.Logging)
	defer closeLog()

	log.Info().Msg("Starting OTP relay")

	scope, err := delivery.ParseScope(cfg.Delivery.DedupScope)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid dedup scope")
	}
	tmpl, err := delivery.ParseTemplate(cfg.Delivery.Template)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid notification template")
	}

	// Handle shutdown gracefully
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	// Telegram
	bot, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Telegram")
	}
	log.Info().Str("bot", bot.BotName()).Str("chat", cfg.Telegram.ChatID).Msg("Connected to Telegram")

	// Retry queue
	q, err := queue.New(queue.Config{
		Path:           cfg.Queue.Path,
		MaxRetries:     cfg.Queue.MaxRetries,
		InitialBackoff: time.Duration(cfg.Queue.InitialBackoffSecs) * time.Second,
		MaxBackoff:     time.Duration(cfg.Queue.MaxBackoffSecs) * time.Second,
		BackoffFactor:  cfg.Queue.BackoffFactor,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize retry queue")
	}
	defer q.Close()

	// Portal session
	browser := portal.New(portal.Config{
		BaseURL:       cfg.Portal.BaseURL,
		Username:      cfg.Portal.Username,
		Password:      cfg.Portal.Password,
		RemoteURL:     cfg.Portal.RemoteURL,
		Headless:      *cfg.Portal.Headless,
		LoginTimeout:  time.Duration(cfg.Portal.LoginTimeoutSecs) * time.Second,
		LoadTimeout:   time.Duration(cfg.Portal.LoadTimeoutSecs) * time.Second,
		CollapseDelay: time.Duration(cfg.Portal.CollapseDelayMs) * time.Millisecond,
		Logger:        log.Logger,
	})
	if err := browser.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start browser")
	}
	defer browser.Close()

	if err := browser.Login(ctx); err != nil {
		browser.Close()
		log.Fatal().Err(err).Msg("Initial login failed")
	}

	// Delivery
	record := delivery.NewRecord()
	pipeline, err := delivery.NewPipeline(browser, bot, record, q, delivery.Options{
		MaxAttempts:      cfg.Delivery.MaxAttempts,
		RateLimitBackoff: time.Duration(cfg.Delivery.RateLimitBackoffSeconds) * time.Second,
		SendDelay:        time.Duration(cfg.Delivery.SendDelayMs) * time.Millisecond,
		Scope:            scope,
		Template:         tmpl,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create delivery pipeline")
	}
	processor := queue.NewProcessor(q, pipeline.Redeliver, queue.ProcessorConfig{
		BatchSize: cfg.Queue.BatchSize,
	})

	// Start poll loop
	state := sync.NewState(record)
	manager := sync.NewManager(browser, pipeline, processor, state,
		time.Duration(cfg.Poll.IntervalSeconds)*time.Second)

	if err := manager.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Poll loop failed")
	}

	stats := state.Stats()
	if qs, err := processor.QueueStats(); err == nil && qs.PendingCount > 0 {
		log.Warn().Int64("pending", qs.PendingCount).Msg("Undelivered messages dropped at shutdown")
	}
	log.Info().
		Int("cycles", stats.Cycles).
		Int("failed_cycles", stats.Failures).
		Int("recorded", stats.Recorded).
		Msg("Daemon stopped")
}

func setupLogging(cfg config.LoggingConfig) func() {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := os.Stdout
	closer := func() {}
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open log file, using stdout")
		} else {
			output = file
			closer = func() { file.Close() }
		}
	}

	// Configure format
	if cfg.Format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	return closer
}
