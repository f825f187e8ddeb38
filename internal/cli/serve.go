package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpadapter "github.com/melih/lighthouse-latent/internal/adapters/http"
	"github.com/melih/lighthouse-latent/internal/config"
)

const shutdownTimeout = 5 * time.Minute

func NewServeCmd() (*cobra.Command, error) {
	var fast bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFrom(cmd.Context())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newService(defaultDialer, logger)
			if err != nil {
				return err
			}
			if err := reconcileAll(ctx, svc.pool, nil, func(name string, removed int) {
				if removed > 0 {
					logger.Info("removed stale containers", "worker", name, "count", removed)
				}
			}); err != nil {
				// A worker whose daemon is down is retried on its first substantiation.
				logger.Warn("startup reconcile incomplete", "error", err)
			}

			app := fiber.New(fiber.Config{DisableStartupMessage: true})
			httpadapter.NewWorkerHandler(svc.pool, svc.registry, logger).Register(app)

			listen := config.LIGHTHOUSE_LISTEN.ValueOrDefault()
			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "listen", listen)
				errCh <- app.Listen(listen)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down", "fast", fast)
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return errors.Join(
				svc.pool.Shutdown(sctx, fast),
				app.ShutdownWithContext(sctx),
			)
		},
	}

	cmd.Flags().String("listen", "", "address the API listens on")
	if err := viper.BindPFlag(config.LIGHTHOUSE_LISTEN.ViperKey, cmd.Flags().Lookup("listen")); err != nil {
		return nil, err
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "skip graceful container stop on shutdown")
	return cmd, nil
}
