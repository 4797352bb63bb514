package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/orchestrator"
	"github.com/agentbroker/agentbroker/internal/registry"
	"github.com/agentbroker/agentbroker/internal/sandbox"
)

// stubDriver mirrors the orchestrator package's own test double: just
// enough sandbox.Driver behavior to drive create/turn/remove through HTTP
// without a real container engine.
type stubDriver struct {
	mu              sync.Mutex
	containerStates map[string]sandbox.State
	responses       []string
}

func newStubDriver() *stubDriver {
	return &stubDriver{containerStates: make(map[string]sandbox.State)}
}

func (d *stubDriver) BuildImage(ctx context.Context, contextDir, tag string) error { return nil }
func (d *stubDriver) GetImage(ctx context.Context, tag string) (bool, error)       { return true, nil }

func (d *stubDriver) GetContainer(ctx context.Context, id string) (sandbox.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.containerStates[id]
	if !ok {
		return "", &sandbox.EngineError{Kind: sandbox.KindNotFound, Op: "get", Err: context.DeadlineExceeded}
	}
	return st, nil
}

func (d *stubDriver) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containerStates[spec.Name] = sandbox.StateCreating
	return spec.Name, nil
}

func (d *stubDriver) Start(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containerStates[containerID] = sandbox.StateRunning
	return nil
}

func (d *stubDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containerStates[containerID] = sandbox.StateStopped
	return nil
}

func (d *stubDriver) Remove(ctx context.Context, containerID string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containerStates, containerID)
	return nil
}

func (d *stubDriver) Exec(ctx context.Context, containerID string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(opts.Argv) >= 2 && strings.HasSuffix(opts.Argv[1], "response.msg") {
		if len(d.responses) == 0 {
			return sandbox.ExecResult{Stdout: []byte("PROCESSING")}, nil
		}
		next := d.responses[0]
		d.responses = d.responses[1:]
		return sandbox.ExecResult{Stdout: []byte(next)}, nil
	}
	if len(opts.Argv) >= 2 && strings.HasSuffix(opts.Argv[1], "status") {
		return sandbox.ExecResult{Stdout: []byte("agent_ready")}, nil
	}
	return sandbox.ExecResult{}, nil
}

func (d *stubDriver) WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error {
	io.ReadAll(data)
	return nil
}

func (d *stubDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	return nil
}

func (d *stubDriver) Stats(ctx context.Context, containerID string) (sandbox.Stats, error) {
	return sandbox.Stats{}, nil
}

func (d *stubDriver) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *stubDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Auth.CredentialMode = config.CredentialKey
	cfg.Auth.APIKeyPrefix = "sk-"

	idx, err := index.Open(cfg.Server.DataDir)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	driver := newStubDriver()
	o := orchestrator.New(cfg, driver, idx)
	reg := registry.New(time.Hour)
	return New(o, reg), driver
}

func doRequest(t *testing.T, h http.Handler, method, path, sessionKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if sessionKey != "" {
		req.Header.Set("X-Session-Key", sessionKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(t, s.Router(), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestGetOrCreateRequiresSessionKey(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(t, s.Router(), http.MethodPost, "/v1/agents/", "", map[string]string{"api_key": "sk-test"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestGetOrCreateAndTurnRoundTrip(t *testing.T) {
	s, driver := newTestServer(t)
	driver.responses = []string{"hello from the assistant"}

	rr := doRequest(t, s.Router(), http.MethodPost, "/v1/agents/", "conn-1", map[string]string{"api_key": "sk-test-key"})
	if rr.Code != http.StatusOK {
		t.Fatalf("get_or_create status = %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, s.Router(), http.MethodPost, "/v1/agents/turn", "conn-1", map[string]interface{}{
		"text":             "hi",
		"deadline_seconds": 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("turn status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["reply"] != "hello from the assistant" {
		t.Errorf("reply = %q, want %q", resp["reply"], "hello from the assistant")
	}
}

func TestSameSessionKeyReachesSameAgent(t *testing.T) {
	s, _ := newTestServer(t)

	rr1 := doRequest(t, s.Router(), http.MethodPost, "/v1/agents/", "conn-1", map[string]string{"api_key": "sk-test-key"})
	rr2 := doRequest(t, s.Router(), http.MethodGet, "/v1/agents/status", "conn-1", nil)
	if rr2.Code != http.StatusOK {
		t.Fatalf("status code = %d, body=%s (create body=%s)", rr2.Code, rr2.Body.String(), rr1.Body.String())
	}
}

func TestRemoveEndsSessionMapping(t *testing.T) {
	s, _ := newTestServer(t)

	doRequest(t, s.Router(), http.MethodPost, "/v1/agents/", "conn-1", map[string]string{"api_key": "sk-test-key"})
	rr := doRequest(t, s.Router(), http.MethodDelete, "/v1/agents/", "conn-1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d", rr.Code)
	}
	if _, ok := s.Registry.AgentFor("conn-1"); ok {
		t.Error("expected session mapping removed after delete")
	}
}

func TestReapInactiveEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(t, s.Router(), http.MethodPost, "/v1/agents/", "conn-1", map[string]string{"api_key": "sk-test-key"})

	rr := doRequest(t, s.Router(), http.MethodPost, "/v1/agents/reap", "", map[string]int{"threshold_seconds": 0})
	if rr.Code != http.StatusOK {
		t.Fatalf("reap status = %d, body=%s", rr.Code, rr.Body.String())
	}
}
