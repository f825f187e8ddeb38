package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse-latent/internal/core/domain"
)

// Gateway is a blocking facade over one container daemon connection.
// Every method may be retried by the caller. Daemon-unreachable failures
// wrap errdefs.ErrConnectionFailed so they can be told apart from missing
// resources (errdefs.ErrNotFound).
//
// A Gateway is not safe for concurrent use; callers dial one per operation.
type Gateway interface {
	// ListContainers returns all containers, including stopped ones, whose
	// name contains nameFilter.
	ListContainers(ctx context.Context, nameFilter string) ([]domain.ContainerDescriptor, error)
	// RemoveContainer removes the container and its anonymous volumes.
	// A container that is already gone counts as removed.
	RemoveContainer(ctx context.Context, id string, force bool) error

	ImageExists(ctx context.Context, ref string) (bool, error)
	// BuildImage streams build output. A build error surfaces through the
	// stream's Err as errdefs.ErrBuildFailed.
	BuildImage(ctx context.Context, buildContext io.Reader, opts domain.BuildOptions) (*domain.LogStream, error)
	PullImage(ctx context.Context, ref, platform string) error
	RemoveImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, cfg domain.ContainerConfig) (domain.ContainerInstance, error)
	StartContainer(ctx context.Context, id string) error
	// AttachLogs follows the container's output until it exits or the
	// stream is closed.
	AttachLogs(ctx context.Context, id string) (*domain.LogStream, error)
	// StopContainer stops the container; when graceful it also waits for
	// the container to leave the running state.
	StopContainer(ctx context.Context, id string, graceful bool) error

	Close() error
}

// GatewayDialer opens scoped gateway handles.
type GatewayDialer interface {
	Dial(ctx context.Context, host string) (Gateway, error)
}

// ConnectionWaiter observes worker agents dialing back to the master.
type ConnectionWaiter interface {
	// Expect registers the token the next agent for worker must present.
	Expect(worker, token string)
	// Wait blocks until the agent for worker connects with token.
	Wait(ctx context.Context, worker, token string) (domain.ConnectionInfo, error)
	// Forget drops any expectation or connection for worker.
	Forget(worker string)
}
