// Package sandbox implements the Sandbox Driver (C3): a thin async facade
// over a container engine, with two backends (Docker, Kubernetes Sandbox
// CRs) behind one Driver interface so the orchestrator is backend-agnostic,
// mirroring cmd/serve.go's --backend flag in the teacher repo.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// State mirrors the sandbox record's state enum (SPEC_FULL.md §3).
type State string

const (
	StateCreating State = "CREATING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

// ErrorKind is the taxonomy of engine-level errors (§4.3).
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNotFound
	KindConflict
	KindTimeout
)

// EngineError wraps an underlying engine error with a Kind so callers can
// branch without string matching, following the fmt.Errorf+sentinel idiom
// the teacher uses throughout internal/db and internal/container.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFound engine error.
func IsNotFound(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindNotFound
}

// IsConflict reports whether err is (or wraps) a 409-class engine conflict.
// Per §4.7.1, a conflict on removal is treated as success by callers.
func IsConflict(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindConflict
}

// Mount describes a host-path-to-container-path bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// CreateSpec is the §4.3 create() contract.
type CreateSpec struct {
	Image         string
	Name          string
	Command       []string
	Env           []string
	Mounts        []Mount
	WorkDir       string
	User          string
	NetworkMode   string
	MemoryBytes   int64
	NanoCPUs      int64
	PidsLimit     int64
	StdinOpen     bool
	TTY           bool
}

// ExecOptions is the §4.3 exec() contract.
type ExecOptions struct {
	Argv        []string
	User        string
	WorkDir     string
	Env         []string
	AttachStdin io.Reader
}

// ExecResult carries the exit code and any captured output.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Stats is the normalized resource snapshot returned by stats().
type Stats struct {
	CPUPercent       float64
	MemoryBytes      int64
	MemoryLimitBytes int64
}

// Driver is the C3 contract: every operation takes a context for
// cancellation and an implicit operation timeout enforced by the caller
// through the context's deadline.
type Driver interface {
	BuildImage(ctx context.Context, contextDir, tag string) error
	GetImage(ctx context.Context, tag string) (bool, error)
	GetContainer(ctx context.Context, id string) (State, error)
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecResult, error)
	// WriteFIFO execs argv inside containerID (the verbatim-stdin-to-FIFO
	// writer binary, §4.5) with stdin attached to data, and waits for it
	// to exit. Implementations must not run data through a shell.
	WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error
	WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error
	Stats(ctx context.Context, containerID string) (Stats, error)
	Close() error
}
