package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/BiswasSekhar/lovestream/internal/config"
	"github.com/BiswasSekhar/lovestream/internal/server"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	flags := pflag.NewFlagSet("lovestream-signal", pflag.ContinueOnError)

	var (
		configPath = flags.StringP("config", "c", "", "path to a YAML config file")
		envFile    = flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
		port       = flags.IntP("port", "p", 0, "listen port, overrides PORT")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Str("file", *envFile).Msg("failed to load env file")
	}

	cfg, err := config.LoadSignal(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	logger = config.NewLogger(cfg.Log, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.New(cfg, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("signal server failed")
		cancel()
		os.Exit(1)
	}
}
