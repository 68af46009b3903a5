// Package cli implements the coursetutor command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/app"
	"github.com/0xcro3dile/coursetutor-go/internal/config"
	"github.com/0xcro3dile/coursetutor-go/internal/logging"
)

var (
	cfgFile       string
	currentConfig *config.Config
	logger        *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "coursetutor",
	Short:         "coursetutor: textbook-grounded tutor for class 9-11 students",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags > env > config file > defaults
		cfg, err := config.LoadWith(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		currentConfig = &cfg

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default config/coursetutor.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// getConfig returns the merged configuration loaded by the root command.
func getConfig() config.Config {
	if currentConfig == nil {
		return config.Default()
	}
	return *currentConfig
}

// buildApp wires the tutor for a single command invocation.
func buildApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, getConfig(), logger)
}
