// Package main implements the outbox publisher service. It relays payment
// events committed to the transactional outbox table to Kafka.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/marko911/paywatch/internal/config"
	"github.com/marko911/paywatch/internal/platform/kafka"
	"github.com/marko911/paywatch/internal/platform/storage"
)

func main() {
	var (
		configPath   = flag.String("config", envOrDefault("PAYWATCH_CONFIG", ""), "Path to YAML config file")
		brokers      = flag.String("brokers", envOrDefault("KAFKA_BROKERS", ""), "Kafka/Redpanda brokers (comma-separated)")
		pollInterval = flag.Duration("poll-interval", 0, "Polling interval for new messages")
		batchSize    = flag.Int("batch-size", 0, "Maximum messages to fetch per poll")
		ensureTopics = flag.Bool("ensure-topics", envOrDefaultBool("ENSURE_TOPICS", true), "Create missing topics on start")
		logLevel     = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Database.Host = envOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = envOrDefaultInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Password = envOrDefault("DB_PASSWORD", cfg.Database.Password)

	pubCfg := PublisherConfig{
		Brokers:      cfg.Kafka.Brokers,
		PollInterval: cfg.Kafka.PollInterval,
		BatchSize:    cfg.Kafka.BatchSize,
		StaleAfter:   cfg.Kafka.StaleAfter,
	}
	if *brokers != "" {
		pubCfg.Brokers = *brokers
	}
	if *pollInterval > 0 {
		pubCfg.PollInterval = *pollInterval
	}
	if *batchSize > 0 {
		pubCfg.BatchSize = *batchSize
	}

	slog.Info("starting outbox publisher",
		"brokers", pubCfg.Brokers,
		"poll_interval", pubCfg.PollInterval,
		"batch_size", pubCfg.BatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *ensureTopics {
		if err := createTopics(ctx, pubCfg.Brokers); err != nil {
			slog.Error("failed to ensure topics", "error", err)
			os.Exit(1)
		}
	}

	producer, err := newKafkaProducer(pubCfg.Brokers)
	if err != nil {
		slog.Error("failed to create kafka client", "error", err)
		os.Exit(1)
	}

	publisher := NewPublisher(pubCfg, storage.NewOutboxRepository(db, kafka.TopicForEvent), producer, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("publisher error", "error", err)
		os.Exit(1)
	}
	slog.Info("outbox publisher stopped")
}

func createTopics(ctx context.Context, brokers string) error {
	tm, err := kafka.NewTopicManager(brokers)
	if err != nil {
		return err
	}
	defer tm.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return tm.EnsureTopics(ctx, kafka.DefaultTopicConfigs())
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
