// Package session implements the Agent Session (C6): the in-broker handle
// to one live sandbox+bridge pair, responsible for sending a turn, waiting
// for the response, and coordinating its own teardown.
//
// Grounded on original_source/src/persistent_agent_manager.py's
// send_message_to_agent/_wait_for_agent_response (poll cadence, sentinel
// check, timeout fallback) and original_source/src/session_manager.py's
// AgentSession/SessionMetrics fields, generalized onto sandbox.Driver
// instead of a Docker-only container handle.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentbroker/agentbroker/internal/bridge"
	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/sandbox"
)

// ErrBusy is returned when a turn is attempted while another is in
// flight for the same session, per §4.6's at-most-one-in-flight rule.
var ErrBusy = errors.New("session: a turn is already in flight")

// ErrTimeout is returned when a turn's deadline elapses before the
// response file settles.
var ErrTimeout = errors.New("session: turn timed out")

// pollInterval is the cadence at which the response/status files are
// polled, matching the source's asyncio.sleep(2) loop. Variable (not a
// const) so tests can shrink it instead of running at wall-clock speed.
var pollInterval = 2 * time.Second

// writerArgv is the exec'd inside the sandbox, stdin-attached, to deliver
// one turn's text without a shell in the path (§4.5's redesigned writer
// mechanism).
var writerArgv = []string{"/usr/local/bin/agentbridge", "--write-fifo"}

// Session is the broker-side handle to one provisioned sandbox running
// the bridge binary.
type Session struct {
	AgentID     string
	ContainerID string
	Binding     index.Binding
	Paths       bridge.Paths

	driver sandbox.Driver

	mu       sync.Mutex
	busy     bool
	turns    int
	lastUsed time.Time

	cleanupMu        sync.Mutex
	cleanupCompleted bool
	cleanupRunning   bool
}

// New wraps a provisioned container with its bridge message-file paths.
func New(agentID, containerID string, binding index.Binding, driver sandbox.Driver) *Session {
	return &Session{
		AgentID:     agentID,
		ContainerID: containerID,
		Binding:     binding,
		Paths:       bridge.DefaultPaths(),
		driver:      driver,
		lastUsed:    time.Now(),
	}
}

// SendTurn delivers text to the Assistant and blocks until it has produced
// a non-sentinel response, the status turns terminal, or deadline elapses.
func (s *Session) SendTurn(ctx context.Context, text string, deadline time.Duration) (string, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.lastUsed = time.Now()
		s.turns++
		s.mu.Unlock()
	}()

	turnCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if _, err := s.driver.Exec(turnCtx, s.ContainerID, sandbox.ExecOptions{
		Argv: []string{"rm", "-f", s.Paths.Response},
	}); err != nil {
		// Best effort: stale response file is still distinguishable by
		// the sentinel check below, so a failed cleanup is not fatal.
		_ = err
	}

	if err := s.driver.WriteFIFO(turnCtx, s.ContainerID, writerArgv, strings.NewReader(text)); err != nil {
		return "", fmt.Errorf("session: write turn to sandbox: %w", err)
	}

	return s.waitForResponse(turnCtx)
}

func (s *Session) waitForResponse(ctx context.Context) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastStatus bridge.Status
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w (last status %q)", ErrTimeout, lastStatus)
		case <-ticker.C:
			resp, err := s.readResponse(ctx)
			if err == nil && resp != "" && resp != bridge.ResponseSentinel {
				return resp, nil
			}

			status, err := s.readStatus(ctx)
			if err == nil {
				lastStatus = status
				if status == bridge.StatusFailed {
					return "", fmt.Errorf("session: assistant reported failure (last response %q)", resp)
				}
			}
		}
	}
}

func (s *Session) readResponse(ctx context.Context) (string, error) {
	res, err := s.driver.Exec(ctx, s.ContainerID, sandbox.ExecOptions{
		Argv: []string{"cat", s.Paths.Response},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (s *Session) readStatus(ctx context.Context) (bridge.Status, error) {
	res, err := s.driver.Exec(ctx, s.ContainerID, sandbox.ExecOptions{
		Argv: []string{"cat", s.Paths.Status},
	})
	if err != nil {
		return "", err
	}
	return bridge.Status(strings.TrimSpace(string(res.Stdout))), nil
}

// IsBusy reports whether a turn is currently in flight.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastUsed returns the time of the last completed turn (or creation, if
// none yet).
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// TurnCount returns the number of turns this session has completed.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Touch refreshes the last-used timestamp without running a turn, used
// when rehydrating a session from the index on broker restart.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// BeginCleanup implements the race-safe cleanup entry gate of §4.7.1:
// it returns (proceed=false) if cleanup already completed or is already
// running under this lock, and otherwise marks it running and returns
// true, leaving the lock held for the caller to release via FinishCleanup.
func (s *Session) BeginCleanup() (proceed bool) {
	s.cleanupMu.Lock()
	if s.cleanupCompleted || s.cleanupRunning {
		s.cleanupMu.Unlock()
		return false
	}
	s.cleanupRunning = true
	return true
}

// FinishCleanup marks cleanup completed and releases the lock taken by
// BeginCleanup. Must only be called after a successful BeginCleanup.
func (s *Session) FinishCleanup() {
	s.cleanupCompleted = true
	s.cleanupRunning = false
	s.cleanupMu.Unlock()
}

// CleanupCompleted reports whether this session has already been torn
// down. It takes the cleanup lock, so it blocks while a cleanup is running.
func (s *Session) CleanupCompleted() bool {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	return s.cleanupCompleted
}
