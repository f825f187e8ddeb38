package latent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
	"github.com/melih/lighthouse-latent/internal/logging"
)

// DefaultTeardownTimeout bounds cleanup that runs after an attempt's own
// context has ended.
const DefaultTeardownTimeout = 2 * time.Minute

// ControllerConfig holds the collaborators shared by all controllers.
type ControllerConfig struct {
	Dialer ports.GatewayDialer
	Waiter ports.ConnectionWaiter
	Source ports.ContextSource
	Logger *slog.Logger
	// NewID returns a random identifier used for agent tokens and ephemeral
	// image names. Defaults to uuid.NewString.
	NewID           func() string
	TeardownTimeout time.Duration
}

// Controller drives one worker through substantiation and teardown. At most
// one container exists for the worker at a time; a request arriving while
// the worker is not idle is rejected with errdefs.ErrInstanceActive.
//
// The mutex guards only the state and the remembered instance. Daemon calls
// run without holding it.
type Controller struct {
	spec            domain.WorkerSpec
	dialer          ports.GatewayDialer
	waiter          ports.ConnectionWaiter
	resolver        ImageResolver
	reconciler      Reconciler
	logger          *slog.Logger
	newID           func() string
	teardownTimeout time.Duration

	mu       sync.Mutex
	state    domain.State
	instance *domain.ContainerInstance
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewController(spec domain.WorkerSpec, cfg ControllerConfig) *Controller {
	c := &Controller{
		spec:            spec,
		dialer:          cfg.Dialer,
		waiter:          cfg.Waiter,
		resolver:        ImageResolver{Source: cfg.Source},
		logger:          logging.ForWorker(cfg.Logger, spec.Name),
		newID:           cfg.NewID,
		teardownTimeout: cfg.TeardownTimeout,
		state:           domain.StateIdle,
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.teardownTimeout <= 0 {
		c.teardownTimeout = DefaultTeardownTimeout
	}
	return c
}

func (c *Controller) Spec() domain.WorkerSpec {
	return c.spec
}

func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() domain.WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := domain.WorkerStatus{
		Name:                c.spec.Name,
		Architecture:        c.spec.Architecture,
		Tags:                slices.Clone(c.spec.Tags),
		MaxConcurrentBuilds: c.spec.MaxConcurrentBuilds,
		State:               c.state,
		Properties:          maps.Clone(c.spec.Properties),
	}
	if c.instance != nil && c.instance.ID != "" {
		inst := *c.instance
		st.Instance = &inst
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Substantiate brings the worker's container up and waits for its agent to
// connect, bounded by the worker's missing timeout. Failures wrap either
// errdefs.ErrCannotSubstantiate or errdefs.ErrFailedToSubstantiate.
func (c *Controller) Substantiate(ctx context.Context, props domain.RenderedProperties) (domain.ConnectionInfo, error) {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		state := c.state
		c.mu.Unlock()
		return domain.ConnectionInfo{}, fmt.Errorf("%w: worker %s is %s", errdefs.ErrInstanceActive, c.spec.Name, state)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.spec.MissingTimeout)
	done := make(chan struct{})
	c.state = domain.StateReconciling
	c.cancel, c.done = cancel, done
	c.lastErr = nil
	var stale *domain.ContainerInstance
	if c.instance != nil {
		inst := *c.instance
		stale = &inst
	}
	c.mu.Unlock()

	info, err := c.attempt(attemptCtx, props, stale)
	err = c.outcome(ctx, attemptCtx, err)
	cancel()

	c.mu.Lock()
	interrupted := c.state == domain.StateInsubstantiating
	c.mu.Unlock()

	if interrupted && err == nil {
		err = fmt.Errorf("%w: %w: worker %s was torn down while connecting", errdefs.ErrFailedToSubstantiate, errdefs.ErrCancelled, c.spec.Name)
	}
	// An interrupting Insubstantiate owns the teardown.
	if err != nil && !interrupted {
		c.cleanup(ctx)
	}

	c.mu.Lock()
	switch {
	case c.state == domain.StateInsubstantiating:
	case err != nil:
		c.state = domain.StateIdle
	default:
		c.state = domain.StateSubstantiated
	}
	if err != nil {
		c.lastErr = err
	}
	c.cancel, c.done = nil, nil
	close(done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("substantiation failed", "error", err)
		return domain.ConnectionInfo{}, err
	}
	c.logger.Info("worker substantiated", "container", domain.ShortID(info.ContainerID))
	return info, nil
}

// outcome replaces the attempt's error when its context ended first.
func (c *Controller) outcome(parent, attemptCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return fmt.Errorf("%w: %w: worker %s did not connect within %s: %v",
			errdefs.ErrFailedToSubstantiate, errdefs.ErrTimeoutExceeded, c.spec.Name, c.spec.MissingTimeout, err)
	case attemptCtx.Err() != nil:
		return fmt.Errorf("%w: %w: %v", errdefs.ErrFailedToSubstantiate, errdefs.ErrCancelled, err)
	}
	return err
}

func (c *Controller) attempt(ctx context.Context, props domain.RenderedProperties, stale *domain.ContainerInstance) (domain.ConnectionInfo, error) {
	logger := c.logger

	gw, err := c.dialer.Dial(ctx, c.spec.DockerHost)
	if err != nil {
		return domain.ConnectionInfo{}, cannot(err)
	}
	defer gw.Close()

	if stale != nil {
		logger.Info("removing instance left by a previous attempt", "container", stale.ShortID())
		if err := c.teardown(ctx, gw, *stale, true, logger); err != nil {
			return domain.ConnectionInfo{}, cannot(err)
		}
		c.forget(stale.ID)
	}

	removed, err := c.reconciler.Reconcile(ctx, gw, c.spec.ContainerName(), logger)
	if err != nil {
		return domain.ConnectionInfo{}, cannot(err)
	}
	if removed > 0 {
		logger.Info("reconciled stale containers", "removed", removed)
	}

	c.setState(domain.StateResolvingImage)
	token := c.newID()
	req := domain.Render(c.spec, props, token)
	image, err := c.resolver.Resolve(ctx, gw, req, instanceID(c.newID()), logger)
	if err != nil {
		return domain.ConnectionInfo{}, cannot(err)
	}
	logger.Info("image ready", "image", image.Ref, "built", image.Built, "pulled", image.Pulled)
	if image.Ephemeral {
		c.remember(domain.ContainerInstance{Image: image.Ref, Ephemeral: true})
	}

	c.setState(domain.StateCreating)
	c.waiter.Expect(c.spec.Name, token)
	inst, err := gw.CreateContainer(ctx, domain.ContainerConfig{
		Name:       c.spec.ContainerName(),
		Image:      image.Ref,
		Command:    req.Command,
		Env:        req.Env,
		Volumes:    req.Volumes,
		HostConfig: req.HostConfig,
		Platform:   req.Platform,
	})
	if err != nil {
		if errdefs.IsConnectionFailure(err) {
			return domain.ConnectionInfo{}, cannot(err)
		}
		return domain.ConnectionInfo{}, failed(err)
	}
	if inst.ID == "" {
		return domain.ConnectionInfo{}, failed(fmt.Errorf("%w: daemon returned no container id", errdefs.ErrCreateFailed))
	}
	inst.Ephemeral = image.Ephemeral
	c.remember(inst)
	logger = logging.ForInstance(logger, inst.ID)
	logger.Info("container created", "image", inst.Image)

	c.setState(domain.StateStarting)
	if err := gw.StartContainer(ctx, inst.ID); err != nil {
		return domain.ConnectionInfo{}, failed(err)
	}
	logger.Info("container started")

	c.setState(domain.StateAwaitingConnection)
	if !c.spec.FollowStartupLogs {
		return domain.ConnectionInfo{
			Worker:      c.spec.Name,
			ContainerID: inst.ID,
			Image:       inst.Image,
			ConnectedAt: time.Now(),
		}, nil
	}
	info, err := c.awaitConnection(ctx, gw, inst, token, logger)
	if err != nil {
		return domain.ConnectionInfo{}, failed(err)
	}
	return info, nil
}

type connection struct {
	info domain.ConnectionInfo
	err  error
}

// awaitConnection pumps boot logs until the agent connects. The log stream
// is closed before returning so no reader outlives the container.
func (c *Controller) awaitConnection(ctx context.Context, gw ports.Gateway, inst domain.ContainerInstance, token string, logger *slog.Logger) (domain.ConnectionInfo, error) {
	stream, err := gw.AttachLogs(ctx, inst.ID)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	defer stream.Close()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	connected := make(chan connection, 1)
	go func() {
		info, err := c.waiter.Wait(waitCtx, c.spec.Name, token)
		connected <- connection{info: info, err: err}
	}()

	connectedInfo := func(conn connection) (domain.ConnectionInfo, error) {
		if conn.err != nil {
			return domain.ConnectionInfo{}, conn.err
		}
		conn.info.ContainerID = inst.ID
		conn.info.Image = inst.Image
		logger.Info("worker connected", "remote", conn.info.RemoteAddr)
		return conn.info, nil
	}

	lines := stream.Lines()
	for {
		select {
		case line, ok := <-lines:
			if ok {
				logger.Info(line.Text, "source", line.Source)
				continue
			}
			if err := ctx.Err(); err != nil {
				return domain.ConnectionInfo{}, err
			}
			select {
			case conn := <-connected:
				return connectedInfo(conn)
			default:
			}
			if err := stream.Err(); err != nil {
				return domain.ConnectionInfo{}, err
			}
			return domain.ConnectionInfo{}, fmt.Errorf("%w: %s", errdefs.ErrContainerExited, inst.ShortID())
		case conn := <-connected:
			return connectedInfo(conn)
		}
	}
}

// Insubstantiate tears the worker down. An attempt in flight is cancelled
// and allowed to unwind before teardown starts on a fresh gateway. Teardown
// failures are logged; a container that could not be removed stays
// remembered for the next call.
func (c *Controller) Insubstantiate(ctx context.Context, fast bool) error {
	c.mu.Lock()
	switch {
	case c.state == domain.StateInsubstantiating:
		c.mu.Unlock()
		return fmt.Errorf("%w: worker %s is already insubstantiating", errdefs.ErrInstanceActive, c.spec.Name)
	case c.state == domain.StateIdle && c.instance == nil:
		c.mu.Unlock()
		return nil
	}
	c.state = domain.StateInsubstantiating
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		c.logger.Info("cancelling operation in progress")
		cancel()
		<-done
	}

	c.mu.Lock()
	var inst *domain.ContainerInstance
	if c.instance != nil {
		cp := *c.instance
		inst = &cp
	}
	c.mu.Unlock()

	c.waiter.Forget(c.spec.Name)
	var err error
	if inst != nil {
		err = c.teardownFresh(ctx, *inst, fast)
	}

	c.mu.Lock()
	if err == nil {
		c.instance = nil
	}
	c.state = domain.StateIdle
	c.mu.Unlock()
	return nil
}

// Reconcile removes containers left under the worker's logical name. It is
// refused unless the worker is idle, and an Insubstantiate arriving
// meanwhile cancels it and waits for it to return.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		state := c.state
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: worker %s is %s", errdefs.ErrInstanceActive, c.spec.Name, state)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = domain.StateReconciling
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		if c.state == domain.StateReconciling {
			c.state = domain.StateIdle
		}
		c.cancel, c.done = nil, nil
		close(done)
		c.mu.Unlock()
	}()

	gw, err := c.dialer.Dial(ctx, c.spec.DockerHost)
	if err != nil {
		return 0, err
	}
	defer gw.Close()
	return c.reconciler.Reconcile(ctx, gw, c.spec.ContainerName(), c.logger)
}

// cleanup tears down what a failed attempt left behind. It runs after the
// attempt's context ended, so it gets its own deadline.
func (c *Controller) cleanup(parent context.Context) {
	c.waiter.Forget(c.spec.Name)

	c.mu.Lock()
	if c.instance == nil {
		c.mu.Unlock()
		return
	}
	inst := *c.instance
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.teardownTimeout)
	defer cancel()
	if err := c.teardownFresh(ctx, inst, true); err != nil {
		return
	}
	c.forget(inst.ID)
}

func (c *Controller) teardownFresh(ctx context.Context, inst domain.ContainerInstance, fast bool) error {
	gw, err := c.dialer.Dial(ctx, c.spec.DockerHost)
	if err != nil {
		c.logger.Error("teardown failed", "container", inst.ShortID(), "error", err)
		return err
	}
	defer gw.Close()
	return c.teardown(ctx, gw, inst, fast, c.logger)
}

// teardown stops and removes the container, then removes the image if it
// was built for this attempt. Missing resources count as removed. Only a
// failure to remove the container is returned; everything else is logged.
func (c *Controller) teardown(ctx context.Context, gw ports.Gateway, inst domain.ContainerInstance, fast bool, logger *slog.Logger) error {
	if inst.ID != "" {
		logger = logging.ForInstance(logger, inst.ID)
		if err := gw.StopContainer(ctx, inst.ID, !fast); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			logger.Warn("failed to stop container", "error", err)
		}
		if err := gw.RemoveContainer(ctx, inst.ID, true); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			logger.Error("failed to remove container", "error", err)
			return err
		}
		logger.Info("container removed", "fast", fast)
	}

	if inst.Ephemeral && inst.Image != "" {
		if err := gw.RemoveImage(ctx, inst.Image); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			logger.Warn("failed to remove image", "image", inst.Image, "error", err)
		} else {
			logger.Info("image removed", "image", inst.Image)
		}
	}
	return nil
}

// setState moves the attempt forward unless a teardown has taken over.
func (c *Controller) setState(s domain.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateInsubstantiating {
		c.state = s
	}
}

func (c *Controller) remember(inst domain.ContainerInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance = &inst
}

// forget drops the remembered instance if it is still the one with id.
func (c *Controller) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance != nil && c.instance.ID == id {
		c.instance = nil
	}
}

func cannot(err error) error {
	return fmt.Errorf("%w: %w", errdefs.ErrCannotSubstantiate, err)
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", errdefs.ErrFailedToSubstantiate, err)
}

// instanceID turns a random id into a short tag-safe token.
func instanceID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
