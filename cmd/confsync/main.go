package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/daemon"
	"github.com/confsync/confsync/internal/utils"
	"github.com/confsync/confsync/internal/version"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

// logLevel is shared by both log handlers and set once the config is loaded.
var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:     "confsync",
	Short:   "Keep a configuration tree in sync between machines via a cloud-synced folder",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file (KEY=\"value\" pairs)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("conflict", "", "conflict strategy: newest, local, remote")
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}

	logPath := filepath.Join(daemon.RuntimeDir(), "confsync.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
		if file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: logLevel}))
		}
	}

	slog.SetDefault(slog.New(utils.NewLogFanout(handlers...)))
}

// loadConfig resolves the config file, applies flag and CONFSYNC_* env
// overrides, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	viper.SetEnvPrefix("CONFSYNC")
	viper.AutomaticEnv()

	viper.BindPFlag("config", cmd.Flags().Lookup("config"))
	viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	viper.BindPFlag("conflict", cmd.Flags().Lookup("conflict"))

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("conflict"); v != "" {
		strategy, err := config.ParseConflictStrategy(v)
		if err != nil {
			return nil, err
		}
		cfg.Conflict = strategy
	}
	if v := viper.GetString("log_level"); v != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	logLevel.Set(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
