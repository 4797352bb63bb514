// Package index implements the Persistence Index (C4): a JSON map of
// agent_id to sandbox record, kept in memory and mirrored to disk with
// atomic temp-file-then-rename writes under a single mutex, so every write
// either fully lands or leaves the previous file untouched.
//
// Grounded on original_source/src/persistence.py's AgentPersistenceManager:
// same load-or-start-fresh semantics, same single-writer-lock-then-save
// shape, generalized from asyncio.Lock to sync.Mutex and from
// dataclass/Enum to Go structs and a typed Status string.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbroker/agentbroker/internal/sandbox"
)

// Status mirrors original_source's ContainerStatus enum.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Binding is the sandbox record's lifecycle-ownership property (SPEC_FULL.md
// §3's redesign addition): a Persistent sandbox survives its owning
// session's cleanup and is never listed by ListIdleSince, so the idle reaper
// leaves it alone and only an explicit removal reclaims it; an Ephemeral one
// is torn down with its session.
type Binding string

const (
	BindingPersistent Binding = "persistent"
	BindingEphemeral  Binding = "ephemeral"
)

// Record is the persisted state for one agent's sandbox.
type Record struct {
	AgentID       string    `json:"agent_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
	Status        Status    `json:"status"`
	Binding       Binding   `json:"binding"`
	WorkspacePath string    `json:"workspace_path"`
	ConfigPath    string    `json:"config_path"`
}

// StatusFromDriverState maps a sandbox.State to the index's Status, so
// callers translating engine state into persisted state have one place to
// do it.
func StatusFromDriverState(s sandbox.State) Status {
	switch s {
	case sandbox.StateCreating:
		return StatusCreating
	case sandbox.StateRunning:
		return StatusRunning
	case sandbox.StateStopping:
		return StatusStopping
	case sandbox.StateStopped:
		return StatusStopped
	default:
		return StatusError
	}
}

// Index is the on-disk-backed map of agent_id to Record.
type Index struct {
	mu           sync.Mutex
	metadataFile string
	data         map[string]Record
}

// Open loads (or initializes) the index rooted at dataDir, matching
// original_source's "data/metadata/agent_containers.json" layout.
func Open(dataDir string) (*Index, error) {
	metaDir := filepath.Join(dataDir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("index: mkdir metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "agents"), 0o755); err != nil {
		return nil, fmt.Errorf("index: mkdir agents: %w", err)
	}

	idx := &Index{
		metadataFile: filepath.Join(metaDir, "agent_containers.json"),
		data:         make(map[string]Record),
	}
	idx.load()
	return idx, nil
}

// load reads the metadata file if present. Any failure to read or parse it
// yields an empty index rather than an error: a corrupt index should not
// prevent the broker from starting, matching _load_data's broad except.
func (idx *Index) load() {
	data, err := os.ReadFile(idx.metadataFile)
	if err != nil {
		return
	}
	var loaded map[string]Record
	if err := json.Unmarshal(data, &loaded); err != nil {
		return
	}
	idx.data = loaded
}

func (idx *Index) save() error {
	serializable := make(map[string]Record, len(idx.data))
	for k, v := range idx.data {
		serializable[k] = v
	}

	buf, err := json.MarshalIndent(serializable, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal: %w", err)
	}

	tmp := idx.metadataFile + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("index: write temp: %w", err)
	}
	if err := os.Rename(tmp, idx.metadataFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

// Register records a freshly created sandbox, stamping created_at and
// last_active with the current time and defaulting an empty status to
// Creating.
func (idx *Index) Register(rec Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now()
	rec.CreatedAt = now
	rec.LastActive = now
	if rec.Status == "" {
		rec.Status = StatusCreating
	}
	idx.data[rec.AgentID] = rec
	return idx.save()
}

// Get returns the record for agentID, if any.
func (idx *Index) Get(agentID string) (Record, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.data[agentID]
	return rec, ok
}

// UpdateStatus sets status and bumps last_active.
func (idx *Index) UpdateStatus(agentID string, status Status) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.data[agentID]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.LastActive = time.Now()
	idx.data[agentID] = rec
	return idx.save()
}

// Touch bumps last_active without changing status.
func (idx *Index) Touch(agentID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.data[agentID]
	if !ok {
		return nil
	}
	rec.LastActive = time.Now()
	idx.data[agentID] = rec
	return idx.save()
}

// Remove deletes the record for agentID, returning it if present.
func (idx *Index) Remove(agentID string) (Record, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.data[agentID]
	if ok {
		delete(idx.data, agentID)
		idx.save()
	}
	return rec, ok
}

// List returns every record, regardless of status.
func (idx *Index) List() []Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]Record, 0, len(idx.data))
	for _, rec := range idx.data {
		out = append(out, rec)
	}
	return out
}

// ListByStatus returns every record currently in status.
func (idx *Index) ListByStatus(status Status) []Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Record
	for _, rec := range idx.data {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// ListIdleSince returns Ephemeral records whose last_active predates cutoff
// — the reaper's (C7) sweep set.
func (idx *Index) ListIdleSince(cutoff time.Time) []Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Record
	for _, rec := range idx.data {
		if rec.Binding == BindingEphemeral && rec.LastActive.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Stats reports index-wide counters, matching original_source's get_stats.
type Stats struct {
	TotalAgents      int
	RunningContainers int
	StoppedContainers int
	ErrorContainers  int
	RecentlyActive   int
}

// Stats computes counters over the current snapshot.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now()
	var s Stats
	s.TotalAgents = len(idx.data)
	for _, rec := range idx.data {
		switch rec.Status {
		case StatusRunning:
			s.RunningContainers++
		case StatusStopped:
			s.StoppedContainers++
		case StatusError:
			s.ErrorContainers++
		}
		if now.Sub(rec.LastActive) < time.Hour {
			s.RecentlyActive++
		}
	}
	return s
}
