package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/platforms"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// Adapter implements ports.Gateway using the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// Dialer implements ports.GatewayDialer. Each Dial returns an adapter with
// its own client.
type Dialer struct{}

func (Dialer) Dial(_ context.Context, host string) (ports.Gateway, error) {
	a, err := NewAdapter(host)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ ports.Gateway = (*Adapter)(nil)

// NewAdapter creates a Docker adapter talking to host. An empty host falls
// back to the DOCKER_* environment.
func NewAdapter(host string) (*Adapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host == "" {
		opts = append(opts, client.FromEnv)
	} else {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create docker client: %w", errdefs.ErrConnectionFailed, err)
	}
	return &Adapter{cli: cli}, nil
}

// ListContainers returns containers in any state whose name matches the filter.
func (a *Adapter) ListContainers(ctx context.Context, nameFilter string) ([]domain.ContainerDescriptor, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", nameFilter)),
	})
	if err != nil {
		return nil, translate(errdefs.ErrListContainers, err)
	}

	result := make([]domain.ContainerDescriptor, 0, len(containers))
	for _, c := range containers {
		result = append(result, domain.ContainerDescriptor{
			ID:    c.ID,
			Names: c.Names,
			Image: c.Image,
			State: c.State,
		})
	}
	return result, nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: force})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return translate(errdefs.ErrRemoveContainer, err)
	}
	return nil
}

func (a *Adapter) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if dockererrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, translate(errdefs.ErrInspectImage, err)
}

// BuildImage sends the build context to the daemon and streams its output.
func (a *Adapter) BuildImage(ctx context.Context, buildContext io.Reader, opts domain.BuildOptions) (*domain.LogStream, error) {
	resp, err := a.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  opts.Dockerfile,
		Platform:    opts.Platform,
		Remove:      true, // Remove intermediate containers
		ForceRemove: true,
	})
	if err != nil {
		return nil, translate(errdefs.ErrBuildFailed, err)
	}
	return domain.NewLogStream(ctx, resp.Body, func(_ context.Context, emit func(domain.LogLine) bool) error {
		return decodeMessages(resp.Body, "build", errdefs.ErrBuildFailed, emit)
	}), nil
}

// PullImage pulls ref and waits for the pull to complete.
func (a *Adapter) PullImage(ctx context.Context, ref, platform string) error {
	reader, err := a.cli.ImagePull(ctx, ref, types.ImagePullOptions{Platform: platform})
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %w", errdefs.ErrImageNotFound, ref, err)
		}
		return translate(errdefs.ErrPullFailed, err)
	}
	defer reader.Close()

	// The body must be drained for the pull to finish.
	return decodeMessages(reader, "pull", errdefs.ErrPullFailed, func(domain.LogLine) bool { return true })
}

func (a *Adapter) RemoveImage(ctx context.Context, ref string) error {
	_, err := a.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{PruneChildren: true})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return translate(errdefs.ErrRemoveImage, err)
	}
	return nil
}

func (a *Adapter) CreateContainer(ctx context.Context, cfg domain.ContainerConfig) (domain.ContainerInstance, error) {
	hostConfig, err := HostConfig(cfg.HostConfig, cfg.Volumes)
	if err != nil {
		return domain.ContainerInstance{}, fmt.Errorf("%w: %w", errdefs.ErrCreateFailed, err)
	}

	var platform *ocispec.Platform
	if cfg.Platform != "" {
		p, err := platforms.Parse(cfg.Platform)
		if err != nil {
			return domain.ContainerInstance{}, fmt.Errorf("%w: %w", errdefs.ErrCreateFailed, err)
		}
		platform = &p
	}

	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image: cfg.Image,
		Cmd:   cfg.Command,
		Env:   cfg.Env,
	}, hostConfig, nil, platform, cfg.Name)
	if err != nil {
		return domain.ContainerInstance{}, translate(errdefs.ErrCreateFailed, err)
	}
	if resp.ID == "" {
		return domain.ContainerInstance{}, fmt.Errorf("%w: daemon returned no container id", errdefs.ErrCreateFailed)
	}

	return domain.ContainerInstance{
		ID:        resp.ID,
		Image:     cfg.Image,
		CreatedAt: time.Now(),
	}, nil
}

func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return translate(errdefs.ErrStartFailed, err)
	}
	return nil
}

// AttachLogs follows stdout and stderr of the container.
func (a *Adapter) AttachLogs(ctx context.Context, id string) (*domain.LogStream, error) {
	logs, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, translate(errdefs.ErrAttachFailed, err)
	}
	return domain.NewLogStream(ctx, logs, func(_ context.Context, emit func(domain.LogLine) bool) error {
		return demuxLines(logs, "container", emit)
	}), nil
}

// StopContainer stops a container. The graceful path also waits for it to
// exit before returning.
func (a *Adapter) StopContainer(ctx context.Context, id string, graceful bool) error {
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return translate(errdefs.ErrStopContainer, err)
	}
	if !graceful {
		return nil
	}

	statusCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil && !dockererrdefs.IsNotFound(err) {
			return translate(errdefs.ErrStopContainer, err)
		}
		return nil
	case <-statusCh:
		return nil
	case <-ctx.Done():
		return translate(errdefs.ErrStopContainer, ctx.Err())
	}
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}

// translate attaches our error kinds to a daemon error so that no raw daemon
// error leaves the adapter untyped.
func translate(kind, err error) error {
	switch {
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w: %w", kind, errdefs.ErrConnectionFailed, err)
	case dockererrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w: %w", kind, errdefs.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %w", kind, err)
	}
}
