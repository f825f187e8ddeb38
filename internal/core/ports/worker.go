package ports

import (
	"context"

	"github.com/melih/lighthouse-latent/internal/core/domain"
)

// WorkerService drives the latent workers of one master.
type WorkerService interface {
	Substantiate(ctx context.Context, name string, props domain.RenderedProperties) (domain.ConnectionInfo, error)
	Insubstantiate(ctx context.Context, name string, fast bool) error
	Reconcile(ctx context.Context, name string) (int, error)
	Status(name string) (domain.WorkerStatus, error)
	Statuses() []domain.WorkerStatus
}

// AgentRegistry accepts dial-backs from worker agents.
type AgentRegistry interface {
	Connect(worker, token, remoteAddr string) (domain.ConnectionInfo, error)
	Disconnect(worker, token string) error
}
