package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/leadchat/internal/config"
	"github.com/kalambet/leadchat/internal/core"
	logx "github.com/kalambet/leadchat/pkg/logger"
)

var version = "dev"

var (
	noColor bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "leadchat",
	Short:         "Generate business leads from a chat prompt",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log session activity to stderr")

	rootCmd.AddCommand(askCmd, resumeCmd, cancelCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes logging. Interactive
// commands log warnings only unless --verbose is set, so that log lines do
// not interleave with progress output.
func loadConfig(interactive bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	level := cfg.Log.Level
	if interactive && !verbose && level != "debug" && level != "trace" {
		level = "warn"
	}
	logx.Init(logx.LoggerOpts{
		Environment: core.ParseEnvironment(cfg.App.Env),
		Level:       level,
	})
	return cfg, nil
}
