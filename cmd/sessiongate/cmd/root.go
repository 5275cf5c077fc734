package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hablas/sessiongate/internal/config"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sessiongate",
	Short: "SessionGate is an authentication gateway",
	Long: `An authentication, session and rate-limit gateway that guards an
upstream application with signed tokens, revocable sessions and per-route
role policy.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
