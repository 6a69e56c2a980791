package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/playback"
	"github.com/loqalabs/voicechat/internal/runtime"
	"go.uber.org/automaxprocs/maxprocs"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (YAML or TOML)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			logger.Error("missing credentials", slog.String("error", err.Error()))
		} else {
			logger.Error("failed to load config", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", slog.String("error", err.Error()))
	}
	defer undoMaxProcs()

	var opts []runtime.BuildOption
	var speakers *playback.Sink
	if cfg.TTS.Output == "speaker" {
		speakers = playback.NewSink(logger)
		opts = append(opts, runtime.WithSink(speakers))
	}

	rt := runtime.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
	if speakers != nil {
		speakers.Stop()
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
