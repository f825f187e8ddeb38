package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
	"github.com/melih/lighthouse-latent/internal/logging"
)

type fakeWorkers struct {
	SubstantiateFn   func(name string, props domain.RenderedProperties) (domain.ConnectionInfo, error)
	InsubstantiateFn func(name string, fast bool) error
	ReconcileFn      func(name string) (int, error)
	statuses         []domain.WorkerStatus
}

func (f *fakeWorkers) Substantiate(_ context.Context, name string, props domain.RenderedProperties) (domain.ConnectionInfo, error) {
	return f.SubstantiateFn(name, props)
}

func (f *fakeWorkers) Insubstantiate(_ context.Context, name string, fast bool) error {
	return f.InsubstantiateFn(name, fast)
}

func (f *fakeWorkers) Reconcile(_ context.Context, name string) (int, error) {
	return f.ReconcileFn(name)
}

func (f *fakeWorkers) Status(name string) (domain.WorkerStatus, error) {
	for _, s := range f.statuses {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.WorkerStatus{}, fmt.Errorf("%w: %s", errdefs.ErrUnknownWorker, name)
}

func (f *fakeWorkers) Statuses() []domain.WorkerStatus { return f.statuses }

type fakeAgents struct {
	token string
}

func (f fakeAgents) Connect(worker, token, remoteAddr string) (domain.ConnectionInfo, error) {
	if token != f.token {
		return domain.ConnectionInfo{}, fmt.Errorf("%w: %s", errdefs.ErrUnauthorizedAgent, worker)
	}
	return domain.ConnectionInfo{Worker: worker, RemoteAddr: remoteAddr}, nil
}

func (f fakeAgents) Disconnect(worker, token string) error {
	if token != f.token {
		return fmt.Errorf("%w: %s", errdefs.ErrUnauthorizedAgent, worker)
	}
	return nil
}

func newApp(workers *fakeWorkers) *fiber.App {
	app := fiber.New()
	NewWorkerHandler(workers, fakeAgents{token: "secret"}, logging.Discard()).Register(app)
	return app
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestSubstantiateStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"substantiated", nil, fiber.StatusCreated},
		{"unknown worker", errdefs.ErrUnknownWorker, fiber.StatusNotFound},
		{"instance active", errdefs.ErrInstanceActive, fiber.StatusConflict},
		{"cannot substantiate", fmt.Errorf("%w: %w", errdefs.ErrCannotSubstantiate, errdefs.ErrImageNotFound), fiber.StatusUnprocessableEntity},
		{"failed to substantiate", fmt.Errorf("%w: %w", errdefs.ErrFailedToSubstantiate, errdefs.ErrTimeoutExceeded), fiber.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotProps domain.RenderedProperties
			workers := &fakeWorkers{
				SubstantiateFn: func(name string, props domain.RenderedProperties) (domain.ConnectionInfo, error) {
					gotProps = props
					if tt.err != nil {
						return domain.ConnectionInfo{}, tt.err
					}
					return domain.ConnectionInfo{Worker: name, ContainerID: "abc"}, nil
				},
			}
			status, body := do(t, newApp(workers), "POST", "/api/v1/workers/w1/substantiate",
				`{"image":{"name":"buildbot/worker","tag":"3"},"volumes":["/src:/dst"],"env":{"A":"1"}}`)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if tt.err != nil {
				if body["error"] == "" || body["error"] == nil {
					t.Errorf("missing error body: %v", body)
				}
				return
			}
			if body["container_id"] != "abc" || body["worker"] != "w1" {
				t.Errorf("body = %v", body)
			}
			if gotProps.Image == nil || gotProps.Image.Name != "buildbot/worker" || len(gotProps.Volumes) != 1 || gotProps.Env["A"] != "1" {
				t.Errorf("props = %+v", gotProps)
			}
		})
	}
}

func TestSubstantiateRejectsBadBody(t *testing.T) {
	workers := &fakeWorkers{
		SubstantiateFn: func(string, domain.RenderedProperties) (domain.ConnectionInfo, error) {
			t.Fatal("substantiate called with an unparsable body")
			return domain.ConnectionInfo{}, nil
		},
	}
	status, _ := do(t, newApp(workers), "POST", "/api/v1/workers/w1/substantiate", `{"volumes":`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestWorkerRoutes(t *testing.T) {
	var gotFast bool
	workers := &fakeWorkers{
		statuses: []domain.WorkerStatus{{Name: "w1", Architecture: domain.ArchAMD64, State: domain.StateIdle}},
		InsubstantiateFn: func(name string, fast bool) error {
			gotFast = fast
			return nil
		},
		ReconcileFn: func(string) (int, error) { return 2, nil },
	}
	app := newApp(workers)

	if status, body := do(t, app, "GET", "/api/v1/workers/w1", ""); status != fiber.StatusOK || body["state"] != "IDLE" {
		t.Errorf("get = %d %v", status, body)
	}
	if status, body := do(t, app, "GET", "/api/v1/workers/nope", ""); status != fiber.StatusNotFound || body["error"] == nil {
		t.Errorf("get unknown = %d %v", status, body)
	}
	if status, _ := do(t, app, "GET", "/api/v1/workers", ""); status != fiber.StatusOK {
		t.Errorf("list = %d", status)
	}
	if status, _ := do(t, app, "POST", "/api/v1/workers/w1/insubstantiate?fast=true", ""); status != fiber.StatusOK || !gotFast {
		t.Errorf("insubstantiate = %d fast=%t", status, gotFast)
	}
	if status, body := do(t, app, "POST", "/api/v1/workers/w1/reconcile", ""); status != fiber.StatusOK || body["removed"] != float64(2) {
		t.Errorf("reconcile = %d %v", status, body)
	}
}

func TestAgentRoutes(t *testing.T) {
	app := newApp(&fakeWorkers{})
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"connect", "/api/v1/agents/connect", `{"worker":"w1","token":"secret"}`, fiber.StatusOK},
		{"connect bad token", "/api/v1/agents/connect", `{"worker":"w1","token":"nope"}`, fiber.StatusUnauthorized},
		{"connect no worker", "/api/v1/agents/connect", `{"token":"secret"}`, fiber.StatusBadRequest},
		{"disconnect", "/api/v1/agents/disconnect", `{"worker":"w1","token":"secret"}`, fiber.StatusOK},
		{"disconnect bad token", "/api/v1/agents/disconnect", `{"worker":"w1","token":""}`, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := do(t, app, "POST", tt.path, tt.body); status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
		})
	}
}
