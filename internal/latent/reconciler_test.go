package latent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
	"github.com/melih/lighthouse-latent/internal/logging"
)

func TestReconcileIsIdempotentAndExact(t *testing.T) {
	gw := newFakeGateway()
	stale := gw.addContainer("lighthouse-w1")
	gw.addContainer("lighthouse-w1-old")
	gw.addContainer("lighthouse-w10")
	gw.addContainer("postgres")

	var r Reconciler
	removed, err := r.Reconcile(context.Background(), gw, "lighthouse-w1", logging.Discard())
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if removed != 1 || !gw.called("remove:"+stale) {
		t.Fatalf("removed = %d, calls = %v", removed, gw.Calls())
	}

	removed, err = r.Reconcile(context.Background(), gw, "lighthouse-w1", logging.Discard())
	if err != nil || removed != 0 {
		t.Fatalf("second reconcile removed %d, err %v; want 0, nil", removed, err)
	}
	for _, name := range []string{"lighthouse-w1-old", "lighthouse-w10", "postgres"} {
		if gw.count(name) != 1 {
			t.Errorf("unrelated container %s was removed", name)
		}
	}
}

// racingGateway reports a container that disappears before removal.
type racingGateway struct {
	*fakeGateway
	removeErr error
}

func (g *racingGateway) ListContainers(context.Context, string) ([]domain.ContainerDescriptor, error) {
	return []domain.ContainerDescriptor{{ID: "gone", Names: []string{"/lighthouse-w1"}}}, nil
}

func (g *racingGateway) RemoveContainer(context.Context, string, bool) error {
	return g.removeErr
}

func TestReconcileRemovalErrors(t *testing.T) {
	tests := []struct {
		name      string
		removeErr error
		wantErr   error
	}{
		{name: "vanished container is ignored", removeErr: fmt.Errorf("%w: %w", errdefs.ErrRemoveContainer, errdefs.ErrNotFound)},
		{name: "daemon loss aborts", removeErr: fmt.Errorf("%w: %w", errdefs.ErrRemoveContainer, errdefs.ErrConnectionFailed), wantErr: errdefs.ErrConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &racingGateway{fakeGateway: newFakeGateway(), removeErr: tt.removeErr}
			removed, err := Reconciler{}.Reconcile(context.Background(), gw, "lighthouse-w1", logging.Discard())
			if tt.wantErr == nil {
				if err != nil || removed != 0 {
					t.Fatalf("removed %d, err %v", removed, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
