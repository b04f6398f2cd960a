package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/wearbeat/pkg/config"
)

// loadConfig reads --config when given, otherwise starts from defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// configureLogger creates a logger from cfg, then applies --log-level and
// --verbose, with --log-level taking precedence.
// Returns an error if the log-level flag is invalid.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		if _, err := config.ParseLevel(logLevelStr); err != nil {
			return nil, err
		}
		cfg.Log.Level = logLevelStr
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg.NewLogger(), nil
}
