// Package cmd provides the conductor command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/peterje/conductor/internal/config"
	"github.com/peterje/conductor/internal/store"
)

// version is overridable at link time:
//
//	go build -ldflags "-X github.com/peterje/conductor/internal/cmd.version=1.2.0"
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Run agent, terminal and speech sessions behind one local bridge",
	Long: `conductor hosts three kinds of sessions for a desktop or web UI:

  - agent sessions multiplexed over one sidecar process
  - interactive CLI sessions, each in its own pseudo-terminal
  - streaming speech recognition sessions over websockets

Session output is pushed to the UI as named events.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.conductor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// loadConfig reads the config file and fills in the data directory.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		dir, err := store.DataDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		dir, err := store.DataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	return cfg, nil
}
