package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := idx.Register(Record{AgentID: "a1", ContainerID: "c1", Binding: BindingEphemeral}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec, ok := idx.Get("a1")
	if !ok {
		t.Fatal("Get(a1) not found")
	}
	if rec.Status != StatusCreating {
		t.Errorf("Status = %v, want creating", rec.Status)
	}
	if rec.CreatedAt.IsZero() || rec.LastActive.IsZero() {
		t.Error("CreatedAt/LastActive should be set by Register")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Register(Record{AgentID: "a1", ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	idx2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := idx2.Get("a1")
	if !ok || rec.ContainerID != "c1" {
		t.Errorf("Get after reopen = %+v, ok=%v", rec, ok)
	}
}

func TestOpenCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, "agent_containers.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open should not fail on corrupt file: %v", err)
	}
	if len(idx.List()) != 0 {
		t.Error("expected empty index after corrupt load")
	}
}

func TestUpdateStatusAndTouch(t *testing.T) {
	idx, _ := Open(t.TempDir())
	idx.Register(Record{AgentID: "a1"})

	before, _ := idx.Get("a1")
	time.Sleep(time.Millisecond)

	if err := idx.UpdateStatus("a1", StatusRunning); err != nil {
		t.Fatal(err)
	}
	after, _ := idx.Get("a1")
	if after.Status != StatusRunning {
		t.Errorf("Status = %v, want running", after.Status)
	}
	if !after.LastActive.After(before.LastActive) {
		t.Error("LastActive should advance on UpdateStatus")
	}
}

func TestUpdateStatusUnknownAgentIsNoop(t *testing.T) {
	idx, _ := Open(t.TempDir())
	if err := idx.UpdateStatus("missing", StatusRunning); err != nil {
		t.Fatalf("UpdateStatus on missing agent should be a no-op: %v", err)
	}
}

func TestRemove(t *testing.T) {
	idx, _ := Open(t.TempDir())
	idx.Register(Record{AgentID: "a1"})

	rec, ok := idx.Remove("a1")
	if !ok || rec.AgentID != "a1" {
		t.Errorf("Remove = %+v, ok=%v", rec, ok)
	}
	if _, ok := idx.Get("a1"); ok {
		t.Error("a1 should be gone after Remove")
	}
}

func TestListIdleSince(t *testing.T) {
	idx, _ := Open(t.TempDir())
	idx.Register(Record{AgentID: "old", Binding: BindingEphemeral})
	idx.Register(Record{AgentID: "persistent", Binding: BindingPersistent})

	cutoff := time.Now().Add(1 * time.Hour)
	idle := idx.ListIdleSince(cutoff)
	if len(idle) != 1 || idle[0].AgentID != "old" {
		t.Errorf("ListIdleSince = %+v, want only 'old'", idle)
	}
}

func TestStatsCounts(t *testing.T) {
	idx, _ := Open(t.TempDir())
	idx.Register(Record{AgentID: "a1", Status: StatusRunning})
	idx.Register(Record{AgentID: "a2", Status: StatusStopped})

	s := idx.Stats()
	if s.TotalAgents != 2 {
		t.Errorf("TotalAgents = %d, want 2", s.TotalAgents)
	}
	if s.RunningContainers != 1 {
		t.Errorf("RunningContainers = %d, want 1", s.RunningContainers)
	}
	if s.StoppedContainers != 1 {
		t.Errorf("StoppedContainers = %d, want 1", s.StoppedContainers)
	}
}
