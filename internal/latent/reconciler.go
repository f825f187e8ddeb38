package latent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// Reconciler removes stale containers that carry a worker's logical name.
type Reconciler struct{}

// Reconcile removes every container, running or stopped, named exactly
// logicalName and returns how many were removed. A container vanishing
// mid-removal is ignored; any other failure aborts.
func (Reconciler) Reconcile(ctx context.Context, gw ports.Gateway, logicalName string, logger *slog.Logger) (int, error) {
	// The daemon's name filter is a substring match.
	candidates, err := gw.ListContainers(ctx, logicalName)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range candidates {
		if !c.HasName(logicalName) {
			continue
		}
		logger.Info("removing stale container", "container", domain.ShortID(c.ID), "state", c.State)
		if err := gw.RemoveContainer(ctx, c.ID, true); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("stale container %s: %w", c.ID, err)
		}
		removed++
	}
	return removed, nil
}
