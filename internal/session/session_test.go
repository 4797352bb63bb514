package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/sandbox"
)

func init() {
	pollInterval = time.Millisecond
}

// fakeDriver is a minimal sandbox.Driver stand-in: reads come from a
// script of canned responses/statuses so tests can drive the polling
// loop deterministically instead of sleeping on a real container.
type fakeDriver struct {
	mu        sync.Mutex
	responses []string // successive values returned by "cat response.msg"
	statuses  []string // successive values returned by "cat status"
	writes    []string
}

func (f *fakeDriver) BuildImage(ctx context.Context, contextDir, tag string) error { return nil }
func (f *fakeDriver) GetImage(ctx context.Context, tag string) (bool, error)       { return true, nil }
func (f *fakeDriver) GetContainer(ctx context.Context, id string) (sandbox.State, error) {
	return sandbox.StateRunning, nil
}
func (f *fakeDriver) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	return "fake-container", nil
}
func (f *fakeDriver) Start(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}
func (f *fakeDriver) Remove(ctx context.Context, containerID string, force bool) error { return nil }

func (f *fakeDriver) Exec(ctx context.Context, containerID string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(opts.Argv) >= 2 && opts.Argv[0] == "cat" && strings.HasSuffix(opts.Argv[1], "response.msg") {
		if len(f.responses) == 0 {
			return sandbox.ExecResult{Stdout: []byte("PROCESSING")}, nil
		}
		next := f.responses[0]
		f.responses = f.responses[1:]
		return sandbox.ExecResult{Stdout: []byte(next)}, nil
	}
	if len(opts.Argv) >= 2 && opts.Argv[0] == "cat" && strings.HasSuffix(opts.Argv[1], "status") {
		if len(f.statuses) == 0 {
			return sandbox.ExecResult{Stdout: []byte("processing")}, nil
		}
		next := f.statuses[0]
		f.statuses = f.statuses[1:]
		return sandbox.ExecResult{Stdout: []byte(next)}, nil
	}
	return sandbox.ExecResult{}, nil
}

func (f *fakeDriver) WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error {
	b, _ := io.ReadAll(data)
	f.mu.Lock()
	f.writes = append(f.writes, string(b))
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	return nil
}
func (f *fakeDriver) Stats(ctx context.Context, containerID string) (sandbox.Stats, error) {
	return sandbox.Stats{}, nil
}
func (f *fakeDriver) Close() error { return nil }

func TestSendTurnWritesAndWaitsForResponse(t *testing.T) {
	driver := &fakeDriver{responses: []string{"PROCESSING", "hello there"}}
	sess := New("agent-1", "fake-container", index.BindingEphemeral, driver)

	resp, err := sess.SendTurn(context.Background(), "hi", 5*time.Second)
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if resp != "hello there" {
		t.Errorf("response = %q, want %q", resp, "hello there")
	}
	if len(driver.writes) != 1 || driver.writes[0] != "hi" {
		t.Errorf("writes = %v, want [\"hi\"]", driver.writes)
	}
	if sess.TurnCount() != 1 {
		t.Errorf("TurnCount = %d, want 1", sess.TurnCount())
	}
}

func TestSendTurnRejectsConcurrentTurn(t *testing.T) {
	driver := &fakeDriver{responses: []string{"PROCESSING", "PROCESSING", "done"}}
	sess := New("agent-1", "fake-container", index.BindingEphemeral, driver)

	sess.mu.Lock()
	sess.busy = true
	sess.mu.Unlock()

	_, err := sess.SendTurn(context.Background(), "hi", time.Second)
	if err != ErrBusy {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestSendTurnFailsOnAssistantFailure(t *testing.T) {
	driver := &fakeDriver{
		responses: []string{"PROCESSING"},
		statuses:  []string{"agent_failed"},
	}
	sess := New("agent-1", "fake-container", index.BindingEphemeral, driver)

	_, err := sess.SendTurn(context.Background(), "hi", 5*time.Second)
	if err == nil {
		t.Fatal("expected error on agent_failed status")
	}
}

func TestSendTurnTimesOut(t *testing.T) {
	driver := &fakeDriver{}
	sess := New("agent-1", "fake-container", index.BindingEphemeral, driver)

	_, err := sess.SendTurn(context.Background(), "hi", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBeginCleanupIsIdempotent(t *testing.T) {
	driver := &fakeDriver{}
	sess := New("agent-1", "fake-container", index.BindingEphemeral, driver)

	if !sess.BeginCleanup() {
		t.Fatal("first BeginCleanup should proceed")
	}
	sess.FinishCleanup()

	if sess.BeginCleanup() {
		t.Fatal("BeginCleanup after completion should not proceed")
	}
}
