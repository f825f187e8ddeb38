package latent

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// Registry tracks the control connections of worker agents. A controller
// registers the per-attempt token before starting a container; the agent
// inside presents it when it dials back.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registration
	now     func() time.Time
}

type registration struct {
	token     string
	info      *domain.ConnectionInfo
	connected chan struct{}
	gone      chan struct{}
}

var _ ports.ConnectionWaiter = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registration),
		now:     time.Now,
	}
}

// Expect replaces any previous registration for worker.
func (r *Registry) Expect(worker, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[worker]; ok {
		close(old.gone)
	}
	r.entries[worker] = &registration{
		token:     token,
		connected: make(chan struct{}),
		gone:      make(chan struct{}),
	}
}

// Connect records the agent for worker. A repeated connect with the same
// token returns the existing connection.
func (r *Registry) Connect(worker, token, remoteAddr string) (domain.ConnectionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[worker]
	if !ok || !tokenMatches(reg.token, token) {
		return domain.ConnectionInfo{}, fmt.Errorf("%w: %s", errdefs.ErrUnauthorizedAgent, worker)
	}
	if reg.info != nil {
		return *reg.info, nil
	}
	reg.info = &domain.ConnectionInfo{
		Worker:      worker,
		RemoteAddr:  remoteAddr,
		ConnectedAt: r.now(),
	}
	close(reg.connected)
	return *reg.info, nil
}

// Disconnect drops the agent's connection but keeps the expectation so the
// same agent may reconnect.
func (r *Registry) Disconnect(worker, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[worker]
	if !ok || !tokenMatches(reg.token, token) {
		return fmt.Errorf("%w: %s", errdefs.ErrUnauthorizedAgent, worker)
	}
	if reg.info != nil {
		reg.info = nil
		reg.connected = make(chan struct{})
	}
	return nil
}

func (r *Registry) Wait(ctx context.Context, worker, token string) (domain.ConnectionInfo, error) {
	r.mu.Lock()
	reg, ok := r.entries[worker]
	if !ok || reg.token != token {
		r.mu.Unlock()
		return domain.ConnectionInfo{}, fmt.Errorf("%w: no pending connection for %s", errdefs.ErrUnauthorizedAgent, worker)
	}
	connected, gone := reg.connected, reg.gone
	r.mu.Unlock()

	select {
	case <-connected:
		r.mu.Lock()
		defer r.mu.Unlock()
		if reg.info == nil {
			return domain.ConnectionInfo{}, fmt.Errorf("%w: agent for %s disconnected", errdefs.ErrCancelled, worker)
		}
		return *reg.info, nil
	case <-gone:
		return domain.ConnectionInfo{}, fmt.Errorf("%w: registration for %s dropped", errdefs.ErrCancelled, worker)
	case <-ctx.Done():
		return domain.ConnectionInfo{}, ctx.Err()
	}
}

func (r *Registry) Forget(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.entries[worker]; ok {
		close(reg.gone)
		delete(r.entries, worker)
	}
}

// Connected returns the live connection for worker, if any.
func (r *Registry) Connected(worker string) (domain.ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[worker]
	if !ok || reg.info == nil {
		return domain.ConnectionInfo{}, false
	}
	return *reg.info, true
}

func tokenMatches(want, got string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
