// Package cli wires the lighthouse commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/melih/lighthouse-latent/internal/config"
	"github.com/melih/lighthouse-latent/internal/errdefs"
	"github.com/melih/lighthouse-latent/internal/logging"
)

type ctxKey int

const ctxLogger ctxKey = 0

// LoggerFrom returns the logger stored by the root command.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func NewRootCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:           "lighthouse",
		Short:         "Lighthouse runs latent Docker workers on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for _, v := range config.Root() {
				if err := v.BindEnv(); err != nil {
					return fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
				}
			}

			logger, levelVar := logging.New(
				cmd.ErrOrStderr(),
				config.LIGHTHOUSE_LOG_LEVEL.ValueOrDefault(),
				config.LIGHTHOUSE_LOG_FORMAT.ValueOrDefault(),
			)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = context.WithValue(ctx, ctxLogger, logger)
			cmd.SetContext(ctx)
			logger.DebugContext(ctx, "logging configured", "level", levelVar.Level().String())
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	if err := setPersistentFlags(cmd); err != nil {
		return nil, fmt.Errorf("failed to setup lighthouse command: %w", err)
	}

	serve, err := NewServeCmd()
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(serve)
	cmd.AddCommand(NewReconcileCmd())
	cmd.AddCommand(NewWorkersCmd())
	return cmd, nil
}

func setPersistentFlags(rootCmd *cobra.Command) error {
	flags := []struct {
		name  string
		usage string
		v     config.Var
	}{
		{"config", "worker file", config.LIGHTHOUSE_CONFIG},
		{"log-level", "log level (debug, info, warn, error)", config.LIGHTHOUSE_LOG_LEVEL},
		{"log-format", "log format (text, json)", config.LIGHTHOUSE_LOG_FORMAT},
		{"docker-host", "docker daemon address, overrides the worker file", config.LIGHTHOUSE_DOCKER_HOST},
		{"master-endpoint", "host:port agents dial back to, overrides the worker file", config.LIGHTHOUSE_MASTER_ENDPOINT},
	}
	for _, f := range flags {
		rootCmd.PersistentFlags().String(f.name, "", f.usage)
		if err := viper.BindPFlag(f.v.ViperKey, rootCmd.PersistentFlags().Lookup(f.name)); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	root, err := NewRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}
