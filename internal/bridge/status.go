package bridge

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Status is one of the closed set of bridge lifecycle states (§4.5),
// mirroring the source's STATUS_* string constants.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusAgentReady   Status = "agent_ready"
	StatusWaiting      Status = "waiting_for_message"
	StatusProcessing   Status = "processing"
	StatusFailed       Status = "agent_failed"
	StatusShuttingDown Status = "shutting_down"
)

// ResponseSentinel is written to the response file while a turn is
// in-flight; the session (C6) polls until the file no longer equals this
// value.
const ResponseSentinel = "PROCESSING"

// StatusWriter updates the status file and logs the transition, matching
// the source's update_status: a failure to write is logged, never fatal.
type StatusWriter struct {
	path string
}

func NewStatusWriter(path string) *StatusWriter {
	return &StatusWriter{path: path}
}

func (w *StatusWriter) Set(status Status) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		log.Printf("bridge: warning: failed to prepare status dir: %v", err)
	} else if err := os.WriteFile(w.path, []byte(status), 0o644); err != nil {
		log.Printf("bridge: warning: failed to write status file %s: %v", w.path, err)
	}
	log.Printf("[STATUS] %s", status)
}

// ReadStatus reads the current status, for use by the orchestrator's
// readiness probe and out-of-process health checks.
func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return Status(data), nil
}
