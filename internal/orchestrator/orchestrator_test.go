package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/sandbox"
)

// stubDriver is a minimal sandbox.Driver whose Exec always reports the
// bridge as ready and whose responses come from a canned queue, enough to
// drive the orchestrator's create/rehydrate/turn paths without a real
// container engine.
type stubDriver struct {
	mu sync.Mutex

	containerStates map[string]sandbox.State
	createErr       error
	nextID          int

	responses []string
	writes    []string
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
	if d.createErr != nil {
		return "", d.createErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := spec.Name
	d.containerStates[id] = sandbox.StateCreating
	return id, nil
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
	b, _ := io.ReadAll(data)
	d.mu.Lock()
	d.writes = append(d.writes, string(b))
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	return nil
}

func (d *stubDriver) Stats(ctx context.Context, containerID string) (sandbox.Stats, error) {
	return sandbox.Stats{}, nil
}

func (d *stubDriver) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.MaxConcurrentSessions = 5
	cfg.Auth.CredentialMode = config.CredentialKey
	cfg.Auth.APIKeyPrefix = "sk-"
	return cfg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *stubDriver) {
	t.Helper()
	cfg := testConfig(t)
	idx, err := index.Open(cfg.Server.DataDir)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	driver := newStubDriver()
	return New(cfg, driver, idx), driver
}

func TestGetOrCreateProvisionsFreshSession(t *testing.T) {
	o, driver := newTestOrchestrator(t)

	sess, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.AgentID != "agent-a" {
		t.Errorf("AgentID = %q, want agent-a", sess.AgentID)
	}

	rec, ok := o.idx.Get("agent-a")
	if !ok {
		t.Fatal("expected index record for agent-a")
	}
	if rec.Status != index.StatusRunning {
		t.Errorf("status = %q, want running", rec.Status)
	}
	if driver.containerStates[rec.ContainerID] != sandbox.StateRunning {
		t.Errorf("container state = %q, want running", driver.containerStates[rec.ContainerID])
	}
}

func TestGetOrCreateReturnsExistingLiveSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	sess1, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate #1: %v", err)
	}
	sess2, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate #2: %v", err)
	}
	if sess1 != sess2 {
		t.Errorf("expected the same in-memory session handle on second call")
	}
}

func TestGetOrCreateEvictsVanishedSandbox(t *testing.T) {
	o, driver := newTestOrchestrator(t)

	sess, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Drop the in-memory handle and delete the underlying container to
	// simulate the engine losing the sandbox out from under the broker.
	o.mu.Lock()
	delete(o.sessions, "agent-a")
	o.mu.Unlock()
	delete(driver.containerStates, sess.ContainerID)

	sess2, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate after eviction: %v", err)
	}
	if sess2.ContainerID == sess.ContainerID {
		t.Errorf("expected a freshly created container, got the same id %q", sess2.ContainerID)
	}
}

func TestGetOrCreateRespectsSessionCap(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.cfg.Server.MaxConcurrentSessions = 1

	if _, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"}); err != nil {
		t.Fatalf("GetOrCreate #1: %v", err)
	}
	if _, err := o.GetOrCreate(context.Background(), "agent-b", SessionConfig{APIKey: "sk-test-key"}); err != ErrCapExceeded {
		t.Errorf("GetOrCreate #2 err = %v, want ErrCapExceeded", err)
	}
}

func TestTurnDeliversTextAndReturnsResponse(t *testing.T) {
	o, driver := newTestOrchestrator(t)
	driver.responses = []string{"hi back"}
	// Turn provisions with an empty SessionConfig, so the key comes from the
	// broker environment.
	t.Setenv("OPENAI_API_KEY", "sk-test-key")

	resp, err := o.Turn(context.Background(), "agent-a", "hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if resp != "hi back" {
		t.Errorf("resp = %q, want %q", resp, "hi back")
	}
	if len(driver.writes) != 1 || driver.writes[0] != "hello" {
		t.Errorf("writes = %v", driver.writes)
	}
}

func TestRemoveTearsDownSessionAndIndex(t *testing.T) {
	o, driver := newTestOrchestrator(t)

	sess, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := o.Remove(context.Background(), "agent-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := o.idx.Get("agent-a"); ok {
		t.Error("expected index record removed")
	}
	if _, ok := driver.containerStates[sess.ContainerID]; ok {
		t.Error("expected container removed from driver")
	}
	if !sess.CleanupCompleted() {
		t.Error("expected cleanup marked completed")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{APIKey: "sk-test-key"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := o.Remove(context.Background(), "agent-a"); err != nil {
		t.Fatalf("Remove #1: %v", err)
	}
	if err := o.Remove(context.Background(), "agent-a"); err != nil {
		t.Fatalf("Remove #2 should be a harmless no-op: %v", err)
	}
}

func TestReapInactiveReportsRemovedAgents(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{
		APIKey:  "sk-test-key",
		Binding: index.BindingEphemeral,
	}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	rec, _ := o.idx.Get("agent-a")
	rec.LastActive = time.Now().Add(-time.Hour)
	o.idx.Register(rec)
	o.idx.UpdateStatus("agent-a", index.StatusRunning)

	// Register and UpdateStatus stamp last_active with the current time, so
	// only a zero threshold counts the record as idle.
	removed, failed := o.ReapInactive(context.Background(), 0)
	if len(failed) != 0 {
		t.Errorf("failed = %v, want none", failed)
	}
	if len(removed) != 1 || removed[0] != "agent-a" {
		t.Errorf("removed = %v, want [agent-a]", removed)
	}
}

func TestReapOnceEvictsIdleEphemeralSessions(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{
		APIKey:  "sk-test-key",
		Binding: index.BindingEphemeral,
	}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Register and UpdateStatus stamp last_active with the current time, so
	// a zero idle timeout is what counts the record as stale.
	rec, _ := o.idx.Get("agent-a")
	rec.LastActive = time.Now().Add(-time.Hour)
	o.idx.Register(rec)
	o.idx.UpdateStatus("agent-a", index.StatusRunning)

	o.reapOnce(0)

	if _, ok := o.idx.Get("agent-a"); ok {
		t.Error("expected idle ephemeral session to be reaped")
	}
}

func TestReapOnceSparesPersistentSessions(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.GetOrCreate(context.Background(), "agent-a", SessionConfig{
		APIKey:  "sk-test-key",
		Binding: index.BindingPersistent,
	}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	o.reapOnce(0)

	if _, ok := o.idx.Get("agent-a"); !ok {
		t.Error("persistent session should not be reaped by the idle sweep")
	}
}

func TestShutdownDrainsAllLiveSessions(t *testing.T) {
	o, driver := newTestOrchestrator(t)

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		if _, err := o.GetOrCreate(context.Background(), id, SessionConfig{APIKey: "sk-test-key"}); err != nil {
			t.Fatalf("GetOrCreate %s: %v", id, err)
		}
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	o.mu.Lock()
	remaining := len(o.sessions)
	o.mu.Unlock()
	if remaining != 0 {
		t.Errorf("sessions remaining after shutdown = %d, want 0", remaining)
	}
	if len(driver.containerStates) != 0 {
		t.Errorf("containers remaining after shutdown = %d, want 0", len(driver.containerStates))
	}
}
