package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oauth2c/authz"
	"oauth2c/bridge"
	"oauth2c/store"
	"oauth2c/webflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("OAUTH2C_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sessions, err := store.NewFileStore(cfg.DataDir, cfg.Secret)
	if err != nil {
		log.Fatalf("init session store: %v", err)
	}

	broker := webflow.NewLoopbackBroker(cfg.CallbackAddr, logger)
	registry := authz.NewRegistry(authz.RegistryConfig{
		HTTPTimeout: cfg.HTTPTimeout,
		StatePath:   cfg.StatePath,
	}, sessions, broker, logger)
	broker.SetCompleter(registry)

	if err := registry.Restore(); err != nil {
		log.Fatalf("restore accounts: %v", err)
	}
	for _, account := range cfg.Accounts {
		if _, err := registry.Add(account); err != nil {
			log.Fatalf("register account %q: %v", account.AccountID, err)
		}
	}

	if err := broker.Start(); err != nil {
		log.Fatalf("start redirect listener: %v", err)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      bridge.New(registry, logger).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // requestAccess blocks on the browser round
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("bridge listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bridge server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown", "error", err)
	}
	if err := broker.Shutdown(shutdownCtx); err != nil {
		logger.Error("redirect listener shutdown", "error", err)
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level")
	}
}
