package latent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
	"github.com/melih/lighthouse-latent/internal/logging"
)

type fakeContainer struct {
	id      string
	name    string
	image   string
	env     []string
	running bool
	exited  chan struct{}
	once    sync.Once
}

func (c *fakeContainer) exit() {
	c.once.Do(func() { close(c.exited) })
}

// fakeGateway is an in-memory daemon. It records every call and tracks the
// highest number of containers that ever shared one name.
type fakeGateway struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	registry   map[string]bool
	calls      []string
	seq        int
	maxPerName map[string]int

	BuildErr  error
	PullErr   error
	ListFn    func(ctx context.Context) error
	CreateFn  func(cfg domain.ContainerConfig) (domain.ContainerInstance, error)
	StartFn   func(ctx context.Context, id string) error
	AttachFn  func(ctx context.Context, id string) (*domain.LogStream, error)
	StopFn    func(ctx context.Context, id string) error
	OnStarted func(env []string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		registry:   make(map[string]bool),
		maxPerName: make(map[string]int),
	}
}

func (g *fakeGateway) record(format string, args ...any) {
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) called(prefix string) bool {
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// addContainer places a container directly in the store.
func (g *fakeGateway) addContainer(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("c%019d", g.seq)
	g.containers[id] = &fakeContainer{id: id, name: name, exited: make(chan struct{})}
	g.trackLocked(name)
	return id
}

func (g *fakeGateway) trackLocked(name string) {
	n := 0
	for _, c := range g.containers {
		if c.name == name {
			n++
		}
	}
	if n > g.maxPerName[name] {
		g.maxPerName[name] = n
	}
}

func (g *fakeGateway) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.containers {
		if c.name == name {
			n++
		}
	}
	return n
}

func (g *fakeGateway) ListContainers(ctx context.Context, nameFilter string) ([]domain.ContainerDescriptor, error) {
	g.mu.Lock()
	g.record("list:%s", nameFilter)
	listFn := g.ListFn
	g.mu.Unlock()
	if listFn != nil {
		if err := listFn(ctx); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.ContainerDescriptor
	for _, c := range g.containers {
		if strings.Contains(c.name, nameFilter) {
			state := "exited"
			if c.running {
				state = "running"
			}
			out = append(out, domain.ContainerDescriptor{ID: c.id, Names: []string{"/" + c.name}, Image: c.image, State: state})
		}
	}
	return out, nil
}

func (g *fakeGateway) RemoveContainer(ctx context.Context, id string, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("remove:%s", id)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrRemoveContainer, err)
	}
	c, ok := g.containers[id]
	if !ok {
		return fmt.Errorf("%w: %w: %s", errdefs.ErrRemoveContainer, errdefs.ErrNotFound, id)
	}
	if c.running && !force {
		return fmt.Errorf("%w: container is running", errdefs.ErrRemoveContainer)
	}
	c.exit()
	delete(g.containers, id)
	return nil
}

func (g *fakeGateway) ImageExists(_ context.Context, ref string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.images[ref], nil
}

func (g *fakeGateway) BuildImage(ctx context.Context, buildContext io.Reader, opts domain.BuildOptions) (*domain.LogStream, error) {
	if _, err := io.ReadAll(buildContext); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.record("build:%s", opts.Tag)
	buildErr := g.BuildErr
	g.mu.Unlock()

	return domain.NewLogStream(ctx, nil, func(_ context.Context, emit func(domain.LogLine) bool) error {
		emit(domain.LogLine{Source: "build", Text: "Step 1/1 : FROM alpine"})
		if buildErr != nil {
			return buildErr
		}
		g.mu.Lock()
		g.images[opts.Tag] = true
		g.mu.Unlock()
		return nil
	}), nil
}

func (g *fakeGateway) PullImage(_ context.Context, ref, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("pull:%s", ref)
	if g.PullErr != nil {
		return g.PullErr
	}
	if !g.registry[ref] {
		return fmt.Errorf("%w: %s", errdefs.ErrImageNotFound, ref)
	}
	g.images[ref] = true
	return nil
}

func (g *fakeGateway) RemoveImage(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("rmi:%s", ref)
	if !g.images[ref] {
		return fmt.Errorf("%w: %w: %s", errdefs.ErrRemoveImage, errdefs.ErrNotFound, ref)
	}
	delete(g.images, ref)
	return nil
}

func (g *fakeGateway) CreateContainer(_ context.Context, cfg domain.ContainerConfig) (domain.ContainerInstance, error) {
	g.mu.Lock()
	g.record("create:%s", cfg.Name)
	createFn := g.CreateFn
	g.mu.Unlock()
	if createFn != nil {
		return createFn(cfg)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.images[cfg.Image] {
		return domain.ContainerInstance{}, fmt.Errorf("%w: %w: no such image %s", errdefs.ErrCreateFailed, errdefs.ErrNotFound, cfg.Image)
	}
	for _, c := range g.containers {
		if c.name == cfg.Name {
			return domain.ContainerInstance{}, fmt.Errorf("%w: name %s already in use", errdefs.ErrCreateFailed, cfg.Name)
		}
	}
	g.seq++
	id := fmt.Sprintf("c%019d", g.seq)
	g.containers[id] = &fakeContainer{id: id, name: cfg.Name, image: cfg.Image, env: cfg.Env, exited: make(chan struct{})}
	g.trackLocked(cfg.Name)
	return domain.ContainerInstance{ID: id, Image: cfg.Image}, nil
}

func (g *fakeGateway) StartContainer(ctx context.Context, id string) error {
	g.mu.Lock()
	g.record("start:%s", id)
	startFn := g.StartFn
	g.mu.Unlock()
	if startFn != nil {
		if err := startFn(ctx, id); err != nil {
			return err
		}
	}

	g.mu.Lock()
	c, ok := g.containers[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %w: %s", errdefs.ErrStartFailed, errdefs.ErrNotFound, id)
	}
	c.running = true
	env := c.env
	onStarted := g.OnStarted
	g.mu.Unlock()

	if onStarted != nil {
		go onStarted(env)
	}
	return nil
}

func (g *fakeGateway) AttachLogs(ctx context.Context, id string) (*domain.LogStream, error) {
	g.mu.Lock()
	g.record("attach:%s", id)
	attachFn := g.AttachFn
	c, ok := g.containers[id]
	g.mu.Unlock()
	if attachFn != nil {
		return attachFn(ctx, id)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", errdefs.ErrAttachFailed, errdefs.ErrNotFound, id)
	}

	return domain.NewLogStream(ctx, nil, func(ctx context.Context, emit func(domain.LogLine) bool) error {
		if !emit(domain.LogLine{Source: "container", Text: "booting worker"}) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.exited:
			return nil
		}
	}), nil
}

func (g *fakeGateway) StopContainer(ctx context.Context, id string, graceful bool) error {
	g.mu.Lock()
	g.record("stop:%s:graceful=%t", id, graceful)
	stopFn := g.StopFn
	g.mu.Unlock()
	if stopFn != nil {
		if err := stopFn(ctx, id); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.containers[id]
	if !ok {
		return fmt.Errorf("%w: %w: %s", errdefs.ErrStopContainer, errdefs.ErrNotFound, id)
	}
	c.running = false
	c.exit()
	return nil
}

func (g *fakeGateway) Close() error { return nil }

// fakeDialer hands out handles on one shared fakeGateway and counts them.
type fakeDialer struct {
	gw *fakeGateway

	mu     sync.Mutex
	err    error
	opened int
	closed int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (ports.Gateway, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConnectionFailed, err)
	}
	d.opened++
	return &fakeHandle{fakeGateway: d.gw, d: d}, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) leaked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.closed
}

type fakeHandle struct {
	*fakeGateway
	d *fakeDialer
}

func (h *fakeHandle) Close() error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.d.closed++
	return nil
}

type fakeSource struct{}

func (fakeSource) Open(_ context.Context, bc domain.BuildContext) (io.ReadCloser, string, error) {
	if bc.IsZero() {
		return nil, "", errdefs.ErrBuildContext
	}
	return io.NopCloser(strings.NewReader(bc.Dockerfile)), "Dockerfile", nil
}

// agentFor returns a hook that plays the in-container agent: it reads its
// credentials from the container env and dials the registry.
func agentFor(reg *Registry) func(env []string) {
	return func(env []string) {
		var worker, token string
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "WORKERNAME":
				worker = v
			case "WORKERPASS":
				token = v
			}
		}
		_, _ = reg.Connect(worker, token, "10.0.0.2:40000")
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%08x-0000-4000-8000-%012x", n, n)
	}
}

type harness struct {
	gw     *fakeGateway
	dialer *fakeDialer
	reg    *Registry
	cfg    ControllerConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := newFakeGateway()
	reg := NewRegistry()
	gw.OnStarted = agentFor(reg)
	dialer := &fakeDialer{gw: gw}
	return &harness{
		gw:     gw,
		dialer: dialer,
		reg:    reg,
		cfg: ControllerConfig{
			Dialer: dialer,
			Waiter: reg,
			Source: fakeSource{},
			Logger: logging.Discard(),
			NewID:  sequentialIDs(),
		},
	}
}

func (h *harness) controller(spec domain.WorkerSpec) *Controller {
	return NewController(spec, h.cfg)
}

func buildableSpec(name string) domain.WorkerSpec {
	spec := domain.NewWorkerSpec(name, domain.ArchAMD64)
	spec.Build = domain.BuildContext{Dockerfile: "FROM alpine\n"}
	spec.MasterEndpoint = "master.example.com:9989"
	return spec
}
