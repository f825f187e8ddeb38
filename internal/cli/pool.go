package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/melih/lighthouse-latent/internal/adapters/builder"
	"github.com/melih/lighthouse-latent/internal/adapters/docker"
	"github.com/melih/lighthouse-latent/internal/config"
	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/latent"
)

// loadSpecs reads the worker file and appends the local workers it asks for.
func loadSpecs() ([]domain.WorkerSpec, error) {
	file, err := config.Load(config.LIGHTHOUSE_CONFIG.ValueOrDefault())
	if err != nil {
		return nil, err
	}
	overrides := config.Overrides{
		DockerHost:     config.LIGHTHOUSE_DOCKER_HOST.ValueOrDefault(),
		MasterEndpoint: config.LIGHTHOUSE_MASTER_ENDPOINT.ValueOrDefault(),
	}
	specs, err := file.Specs(overrides)
	if err != nil {
		return nil, err
	}

	base, archs, err := file.LocalBase(overrides)
	if err != nil {
		return nil, err
	}
	var namer latent.LocalNamer
	return append(specs, latent.LocalWorkers(&namer, archs, base)...), nil
}

type service struct {
	pool     *latent.Pool
	registry *latent.Registry
}

func newService(dialer ports.GatewayDialer, logger *slog.Logger) (*service, error) {
	specs, err := loadSpecs()
	if err != nil {
		return nil, err
	}
	registry := latent.NewRegistry()
	pool, err := latent.NewPool(specs, latent.ControllerConfig{
		Dialer: dialer,
		Waiter: registry,
		Source: builder.NewSource(logger),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("workers loaded", "count", len(specs))
	return &service{pool: pool, registry: registry}, nil
}

// reconcileAll clears leftovers of every named worker, or of all workers
// when names is empty.
func reconcileAll(ctx context.Context, pool *latent.Pool, names []string, report func(name string, removed int)) error {
	if len(names) == 0 {
		names = pool.Names()
	}
	for _, name := range names {
		removed, err := pool.Reconcile(ctx, name)
		if err != nil {
			return fmt.Errorf("worker %s: %w", name, err)
		}
		report(name, removed)
	}
	return nil
}

var defaultDialer ports.GatewayDialer = docker.Dialer{}
