package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkd/pkg/config"
)

// loadConfig reads --config over the defaults and applies --log-level
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = lvl
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", lvl)
		}
	}
	return cfg, nil
}

// configureLogger creates the command logger. One-shot commands stay quiet
// unless a level was asked for explicitly.
func configureLogger(cmd *cobra.Command, cfg *config.Config, quiet bool) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if lvl, _ := cmd.Flags().GetString("log-level"); quiet && lvl == "" {
		logger.SetLevel(logrus.ErrorLevel)
	}
	return logger
}
