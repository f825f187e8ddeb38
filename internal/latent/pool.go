package latent

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// Pool owns one controller per configured worker.
type Pool struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
	names       []string
	cfg         ControllerConfig
}

// NewPool validates specs and creates their controllers.
func NewPool(specs []domain.WorkerSpec, cfg ControllerConfig) (*Pool, error) {
	p := &Pool{
		controllers: make(map[string]*Controller, len(specs)),
		cfg:         cfg,
	}
	for _, spec := range specs {
		if err := p.Add(spec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) Add(spec domain.WorkerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.controllers[spec.Name]; ok {
		return fmt.Errorf("%w: duplicate worker name %q", errdefs.ErrInvalidWorker, spec.Name)
	}
	p.controllers[spec.Name] = NewController(spec, p.cfg)
	p.names = append(p.names, spec.Name)
	return nil
}

func (p *Pool) Get(name string) (*Controller, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnknownWorker, name)
	}
	return c, nil
}

// Names returns worker names in configuration order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.names)
}

func (p *Pool) Substantiate(ctx context.Context, name string, props domain.RenderedProperties) (domain.ConnectionInfo, error) {
	c, err := p.Get(name)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	return c.Substantiate(ctx, props)
}

func (p *Pool) Insubstantiate(ctx context.Context, name string, fast bool) error {
	c, err := p.Get(name)
	if err != nil {
		return err
	}
	return c.Insubstantiate(ctx, fast)
}

func (p *Pool) Reconcile(ctx context.Context, name string) (int, error) {
	c, err := p.Get(name)
	if err != nil {
		return 0, err
	}
	return c.Reconcile(ctx)
}

func (p *Pool) Status(name string) (domain.WorkerStatus, error) {
	c, err := p.Get(name)
	if err != nil {
		return domain.WorkerStatus{}, err
	}
	return c.Status(), nil
}

func (p *Pool) Statuses() []domain.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.WorkerStatus, 0, len(p.names))
	for _, name := range p.names {
		out = append(out, p.controllers[name].Status())
	}
	return out
}

// Shutdown insubstantiates every worker in parallel and returns the first error.
func (p *Pool) Shutdown(ctx context.Context, fast bool) error {
	p.mu.RLock()
	controllers := make([]*Controller, 0, len(p.names))
	for _, name := range p.names {
		controllers = append(controllers, p.controllers[name])
	}
	p.mu.RUnlock()

	// One worker failing must not cancel the teardown of the others.
	var g errgroup.Group
	for _, c := range controllers {
		g.Go(func() error {
			return c.Insubstantiate(ctx, fast)
		})
	}
	return g.Wait()
}

// LocalNamer hands out local-docker-<n> names. Each namer counts on its
// own.
type LocalNamer struct {
	mu   sync.Mutex
	next int
}

func (n *LocalNamer) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := "local-docker-" + strconv.Itoa(n.next)
	n.next++
	return name
}

// LocalWorkers creates one worker per architecture from base, named by
// namer.
func LocalWorkers(namer *LocalNamer, archs []domain.Architecture, base domain.WorkerSpec) []domain.WorkerSpec {
	specs := make([]domain.WorkerSpec, 0, len(archs))
	for _, arch := range archs {
		spec := base
		spec.Name = namer.Next()
		spec.Architecture = arch
		spec.Tags = slices.Clone(base.Tags)
		spec.Volumes = slices.Clone(base.Volumes)
		spec.HostConfig = maps.Clone(base.HostConfig)
		specs = append(specs, spec)
	}
	return specs
}
