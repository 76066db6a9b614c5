package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/diagnostics"
	"whisperx-queue/internal/logger"
	"whisperx-queue/internal/queue"
	"whisperx-queue/internal/server"
	"whisperx-queue/internal/transcribe"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "whisperx-queue",
	Short: "Batch transcription queue driving WhisperX",
	Long: `whisperx-queue schedules transcription + diarization jobs onto a
single execution slot, persists queue state across restarts, and drives the
external ffmpeg and whisperx pipelines with retry/fallback policy.

Configuration comes from defaults, an optional config file (--config), and
WXQ_-prefixed environment variables. The Hugging Face token is resolved from
HF_TOKEN, a .env file in the base directory, or a per-session override
supplied on queue start.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue worker and the control API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := logger.New(level)

	runner := transcribe.NewRunner(cfg, log)
	checker := diagnostics.NewChecker(cfg)
	manager := queue.NewManager(cfg, runner, checker.Run, log)
	defer manager.Close()

	srv := server.New(manager, log)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Info("shutting down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			log.Error("server shutdown", "error", err)
		}
	}()

	log.Info("control API listening", "addr", cfg.ListenAddr)
	return srv.Listen(cfg.ListenAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
