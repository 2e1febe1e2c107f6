package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/BiswasSekhar/lovestream/internal/config"
	"github.com/BiswasSekhar/lovestream/internal/engine"
	streamhttp "github.com/BiswasSekhar/lovestream/internal/http"
	"github.com/BiswasSekhar/lovestream/internal/ipc"
	"github.com/BiswasSekhar/lovestream/internal/library"
	"github.com/BiswasSekhar/lovestream/internal/media"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
	"github.com/BiswasSekhar/lovestream/internal/session"
	"github.com/BiswasSekhar/lovestream/internal/signal"
	"github.com/BiswasSekhar/lovestream/internal/transcode"
)

func main() {
	// stdout carries IPC, everything else goes to stderr.
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	flags := pflag.NewFlagSet("lovestream-engine", pflag.ContinueOnError)

	var (
		configPath = flags.StringP("config", "c", "", "path to a YAML config file")
		envFile    = flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
		dataDir    = flags.String("data-dir", "", "directory for swarm data, overrides swarm.data_dir")
		listenPort = flags.IntP("port", "p", 0, "swarm listen port, overrides swarm.listen_port")
		httpAddr   = flags.String("http", "", "stream server address, overrides stream.addr")
		serverURL  = flags.String("server", "", "signal server URL, overrides signal.url")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Str("file", *envFile).Msg("failed to load env file")
	}

	cfg, err := config.LoadEngine(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *dataDir != "" {
		cfg.Swarm.DataDir = *dataDir
	}
	if *listenPort > 0 {
		cfg.Swarm.ListenPort = *listenPort
	}
	if *httpAddr != "" {
		cfg.Stream.Addr = *httpAddr
	}
	if *serverURL != "" {
		cfg.Signal.URL = *serverURL
	}
	if cfg.Signal.ParticipantID == "" {
		cfg.Signal.ParticipantID = uuid.Must(uuid.NewV4()).String()
	}
	logger = config.NewLogger(cfg.Log, os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("engine failed")
		os.Exit(1)
	}
}

func run(cfg *config.Engine, logger zerolog.Logger) error {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(cfg.Swarm, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger.Info().Int("port", eng.ListenPort()).Msg("engine started")

	lib, err := library.Open(cfg.Library.Path, cfg.Library.MaxAge, logger)
	if err != nil {
		return err
	}
	defer lib.Close()
	if n, err := lib.Prune(); err != nil {
		logger.Warn().Err(err).Msg("failed to prune library")
	} else if n > 0 {
		logger.Info().Int("entries", n).Msg("pruned expired library entries")
	}

	listener, err := net.Listen("tcp", cfg.Stream.Addr)
	if err != nil {
		return err
	}
	stream := streamhttp.New(eng, listener, logger)
	go func() {
		if err := stream.Serve(); err != nil {
			logger.Error().Err(err).Msg("stream server failed")
		}
	}()

	prober := media.NewProber(cfg.Media.FFprobePath, logger)
	dispatcher := transcode.NewDispatcher(transcode.Config{
		FFmpegPath:       cfg.Media.FFmpegPath,
		WorkDir:          cfg.Media.WorkDir,
		RemuxTimeout:     cfg.Media.RemuxTimeout,
		TranscodeTimeout: cfg.Media.TranscodeTimeout,
		HEVCSupported:    cfg.Media.HEVC,
	}, logger, transcode.WithLibrary(lib), transcode.WithProbe(prober.Probe))

	client := signal.New(signal.Config{
		URL:            cfg.Signal.URL,
		MinBackoff:     cfg.Signal.MinBackoff,
		MaxBackoff:     cfg.Signal.MaxBackoff,
		ConnectTimeout: cfg.Signal.ConnectTimeout,
	}, logger)

	bridge := ipc.New(os.Stdin, os.Stdout, logger)
	shell := ipc.NewShell(bridge, filepath.Join(cfg.Swarm.DataDir, "blobs"))

	sess := session.New(session.Config{
		ParticipantID: cfg.Signal.ParticipantID,
		Capabilities: protocol.Capabilities{
			NativeTranscode: true,
			HEVC:            cfg.Media.HEVC,
			MSE:             true,
		},
	}, session.Deps{
		Signal:    client,
		Events:    bridge,
		Shell:     shell,
		Swarm:     eng,
		Media:     prober,
		Prepare:   dispatcher,
		Resume:    lib,
		StreamURL: stream.URL,
	}, logger)
	defer sess.Close()

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("signal client stopped")
		}
	}()

	bridge.Send(ipc.Event{Event: ipc.EvReady, Port: stream.Port()})

	err = bridge.Run(ctx, sess)
	if errors.Is(err, ipc.ErrQuit) {
		err = nil
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := stream.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown stream server")
	}
	bridge.Send(ipc.Event{Event: ipc.EvStopped})
	return err
}
