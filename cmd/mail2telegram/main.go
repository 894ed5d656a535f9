package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lupusmagist/mail2telegram/internal/config"
	"github.com/lupusmagist/mail2telegram/internal/dedup"
	"github.com/lupusmagist/mail2telegram/internal/forwarder"
	"github.com/lupusmagist/mail2telegram/internal/mailbox"
	"github.com/lupusmagist/mail2telegram/internal/telegram"
)

func main() {
	envFile := flag.String("env-file", ".env", "path to env file (optional)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: load env file %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("mail2telegram starting",
		"protocol", cfg.Protocol,
		"server", cfg.Server,
		"interval", cfg.CheckInterval(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bot, err := telegram.New(cfg.BotToken, cfg.ChatID, cfg.MaxMessageLength, logger)
	if err != nil {
		logger.Error("telegram setup failed", "error", err)
		os.Exit(1)
	}

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		logger.Error("mailbox setup failed", "error", err)
		os.Exit(1)
	}

	store, err := dedup.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("seen store setup failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if count, err := store.Count(ctx); err != nil {
		logger.Warn("seen count failed", "error", err)
	} else {
		logger.Info("loaded seen store", "seen_count", count)
	}

	fwd := forwarder.New(fetcher, store, bot, cfg.CheckInterval(), cfg.DeleteAfterForward, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	<-done
	logger.Info("mail2telegram stopped")
}

func newFetcher(cfg *config.Config, logger *slog.Logger) (mailbox.Fetcher, error) {
	switch cfg.Protocol {
	case config.ProtocolPOP3:
		return mailbox.NewPOP3Fetcher(
			cfg.Server, cfg.Port,
			cfg.Username, cfg.Password,
			cfg.UseTLS, logger,
		), nil
	case config.ProtocolIMAP:
		return mailbox.NewIMAPFetcher(
			cfg.Server, cfg.Port,
			cfg.Username, cfg.Password,
			cfg.UseTLS, cfg.IMAPFolder, logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
