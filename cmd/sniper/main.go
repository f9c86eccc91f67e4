// Command sniper runs the MEXC launch sniper. It loads configuration,
// validates it, sets up signal handling and starts the application in the
// configured mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/app"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/config"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealPath := flag.String("seal-secret", "", "read an exchange secret from stdin, seal it with exchange.secret_passphrase and write it to this path")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if *sealPath != "" {
		if err := sealSecret(*sealPath, cfg.Exchange.SecretPassphrase); err != nil {
			logger.Error("seal secret failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("secret sealed", slog.String("path", *sealPath))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("sniper starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("sniper stopped")
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

func sealSecret(path, passphrase string) error {
	if passphrase == "" {
		return errors.New("exchange.secret_passphrase is empty")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	sealed, err := crypto.EncryptSecret(strings.TrimSpace(line), passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}
