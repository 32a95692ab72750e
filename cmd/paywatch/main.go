// Package main runs the payment confirmation engine: it watches pending
// payments on XRPL and Solana, persists status changes and publishes
// confirmations.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/marko911/paywatch/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", envOrDefault("PAYWATCH_CONFIG", ""), "Path to YAML config file")
		logLevel   = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		httpAddr   = flag.String("http-addr", envOrDefault("HTTP_ADDR", ""), "Address for health and metrics endpoints")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	applyEnv(&cfg)
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	slog.Info("starting paywatch",
		"xrpl", cfg.XRPL.Enabled,
		"solana", cfg.Solana.Enabled,
		"nats", cfg.NATS.Enabled,
		"http_addr", cfg.HTTP.Addr,
	)

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		slog.Error("paywatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("paywatch shutdown complete")
}

// applyEnv lets deployment secrets and endpoints override the file.
func applyEnv(cfg *config.Config) {
	cfg.Database.Host = envOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = envOrDefaultInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = envOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = envOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = envOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.NATS.Conn.URL = envOrDefault("NATS_URL", cfg.NATS.Conn.URL)
	cfg.NATS.Enabled = envOrDefaultBool("NATS_ENABLED", cfg.NATS.Enabled)
	cfg.XRPL.Endpoint = envOrDefault("XRPL_ENDPOINT", cfg.XRPL.Endpoint)
	cfg.Solana.RPCEndpoint = envOrDefault("SOLANA_RPC_URL", cfg.Solana.RPCEndpoint)
	cfg.Solana.WSEndpoint = envOrDefault("SOLANA_WS_URL", cfg.Solana.WSEndpoint)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
