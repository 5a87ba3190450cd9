// Package main provides the mixqueue service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/extract/spotify"
	"mixqueue/internal/extract/youtube"
	httpserver "mixqueue/internal/http"
	"mixqueue/internal/session"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mixqueue",
	Short: "mixqueue - playback scheduling for multi-source streaming queues",
	Long: `mixqueue runs per-session playback queues over YouTube and Spotify:
priority and FIFO lanes, speculative track preparation, two-phase playlist
loading, and rate-limited background resolution.`,
	RunE: runMixqueue,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("server-host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("resolver-workers", 4, "Resolver worker count")
	rootCmd.PersistentFlags().Int("loader-batch-size", 8, "Collection loader batch size")
	rootCmd.PersistentFlags().Int("queue-lookahead", 3, "Tracks prepared ahead of playback")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("MIXQUEUE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")

	if host := viper.GetString("server-host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server-port"); port != 0 {
		cfg.Server.Port = port
	}

	if workers := viper.GetInt("resolver-workers"); workers > 0 {
		cfg.Resolver.Workers = workers
	}
	if batch := viper.GetInt("loader-batch-size"); batch > 0 {
		cfg.Loader.BatchSize = batch
	}
	if lookahead := viper.GetInt("queue-lookahead"); lookahead > 0 {
		cfg.Queue.Lookahead = lookahead
	}

	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runMixqueue(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting mixqueue",
		zap.Int("resolver_workers", config.Resolver.Workers),
		zap.Int("loader_batch_size", config.Loader.BatchSize))

	manager := extract.NewManager(youtube.New(logger.Named("youtube")))

	if config.Spotify.ClientID != "" {
		spotifyExtractor, err := spotify.New(ctx, config.Spotify, logger.Named("spotify"))
		if err != nil {
			return fmt.Errorf("failed to initialize spotify extractor: %w", err)
		}
		manager.Register(spotifyExtractor)
	} else {
		logger.Warn("Spotify credentials not configured, spotify links disabled")
	}

	registry := session.NewRegistry(config, manager, logger.Named("session"))
	defer registry.Shutdown()

	httpServer := httpserver.NewServer(&config.Server, registry, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		httpServer.WatchSessions(gCtx, registry, 15*time.Second)
		return nil
	})

	logger.Info("mixqueue started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("mixqueue stopped with error", zap.Error(err))
		return err
	}

	logger.Info("mixqueue stopped gracefully")
	return nil
}
