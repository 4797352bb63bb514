// Package orchestrator implements the top-level coordinator (C7): it maps
// agent identifiers to live sessions, provisions sandboxes on demand,
// enforces the session cap and idle timeout, and drives race-safe
// teardown.
//
// Grounded on original_source/src/session_manager.py's
// CodexSessionManager (get_or_create_active_session, the periodic
// cleanup loop, shutdown) for the overall shape, generalized onto the
// unified sandbox.Driver instead of a Docker-only client.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbroker/agentbroker/internal/auth"
	"github.com/agentbroker/agentbroker/internal/bridge"
	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/credential"
	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/sandbox"
	"github.com/agentbroker/agentbroker/internal/session"
	"github.com/agentbroker/agentbroker/internal/shortid"
	"golang.org/x/sync/errgroup"
)

// ErrCapExceeded is returned by GetOrCreate when the session cap is
// already reached and agentID has no existing record.
var ErrCapExceeded = errors.New("orchestrator: max concurrent sessions reached")

// SessionConfig parameterizes a single provisioning request.
type SessionConfig struct {
	Binding index.Binding
	APIKey  string // only consulted in credential_mode=key or auto
}

// SessionSummary is the read-through view returned by List/Status.
type SessionSummary struct {
	AgentID     string
	Status      index.Status
	Binding     index.Binding
	CreatedAt   time.Time
	LastActive  time.Time
	TurnCount   int
	ContainerID string
	Health      *bridge.SelfStats `json:"health,omitempty"`
}

// Orchestrator is the broker's single top-level coordinator.
type Orchestrator struct {
	cfg    config.Config
	driver sandbox.Driver
	idx    *index.Index
	authMgr *auth.Manager

	mu       sync.Mutex
	sessions map[string]*session.Session

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New wires an Orchestrator from its collaborators.
func New(cfg config.Config, driver sandbox.Driver, idx *index.Index) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		driver:   driver,
		idx:      idx,
		authMgr:  auth.NewManager(cfg.Auth),
		sessions: make(map[string]*session.Session),
	}
}

func (o *Orchestrator) agentDir(agentID string) string {
	return filepath.Join(o.cfg.Server.DataDir, "agents", agentID)
}

// GetOrCreate returns the live session for agentID, provisioning a fresh
// sandbox if none exists or the previously recorded one is gone.
func (o *Orchestrator) GetOrCreate(ctx context.Context, agentID string, sc SessionConfig) (*session.Session, error) {
	o.mu.Lock()
	if sess, ok := o.sessions[agentID]; ok {
		o.mu.Unlock()
		o.idx.Touch(agentID)
		return sess, nil
	}
	o.mu.Unlock()

	rec, ok := o.idx.Get(agentID)
	if ok {
		sess, err := o.rehydrate(ctx, rec)
		switch {
		case err == nil:
			return sess, nil
		case sandbox.IsNotFound(err):
			log.Printf("orchestrator: sandbox for %s vanished, evicting stale record", agentID)
			o.idx.Remove(agentID)
		default:
			return nil, err
		}
	}

	return o.create(ctx, agentID, sc)
}

func (o *Orchestrator) rehydrate(ctx context.Context, rec index.Record) (*session.Session, error) {
	state, err := o.driver.GetContainer(ctx, rec.ContainerID)
	if err != nil {
		return nil, err
	}

	switch state {
	case sandbox.StateRunning:
		// already running, nothing to do
	case sandbox.StateStopped, sandbox.StateCreating:
		if err := o.driver.Start(ctx, rec.ContainerID); err != nil {
			return nil, fmt.Errorf("orchestrator: restart sandbox %s: %w", rec.ContainerID, err)
		}
		if err := o.driver.WaitReady(ctx, rec.ContainerID, readyCheckCmd(), 60*time.Second, 2*time.Second); err != nil {
			return nil, fmt.Errorf("orchestrator: wait ready after restart: %w", err)
		}
	default:
		return nil, fmt.Errorf("orchestrator: sandbox %s in unrecoverable state %q", rec.ContainerID, state)
	}

	sess := session.New(rec.AgentID, rec.ContainerID, rec.Binding, o.driver)
	sess.Touch()

	o.mu.Lock()
	o.sessions[rec.AgentID] = sess
	o.mu.Unlock()

	o.idx.UpdateStatus(rec.AgentID, index.StatusRunning)
	return sess, nil
}

// readyCheckCmd waits for the status file to hold the agent_ready value
// specifically, not merely for the file to exist: the bridge creates the
// status file almost immediately at StatusInitializing, well before the
// Assistant has actually finished starting up.
func readyCheckCmd() []string {
	paths := bridge.DefaultPaths()
	return []string{"bash", "-c", fmt.Sprintf("grep -q %s %s 2>/dev/null", string(bridge.StatusAgentReady), paths.Status)}
}

func (o *Orchestrator) create(ctx context.Context, agentID string, sc SessionConfig) (*session.Session, error) {
	if o.idx.Stats().RunningContainers >= o.cfg.Server.MaxConcurrentSessions {
		return nil, ErrCapExceeded
	}

	dir := o.agentDir(agentID)
	workspaceDir := filepath.Join(dir, "workspace")
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: mkdir workspace: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: mkdir config: %w", err)
	}

	credStore := credential.NewStore(
		filepath.Join(configDir, "credentials.json"),
		time.Duration(o.cfg.Auth.TokenRefreshGuardSeconds)*time.Second,
		o.cfg.Auth.OAuthTokenEndpoint,
		o.cfg.Auth.OAuthRevokeEndpoint,
		o.cfg.Auth.OAuthClientID,
	)

	apiKey := sc.APIKey
	if apiKey == "" && o.cfg.Auth.APIKeyEnvVar != "" {
		apiKey = os.Getenv(o.cfg.Auth.APIKeyEnvVar)
	}

	bundle, err := o.authMgr.Materialize(ctx, credStore, apiKey)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: materialize credentials: %w", err)
	}

	authPath := filepath.Join(configDir, "auth.json")
	if err := os.WriteFile(authPath, bundle.AuthFileBytes, 0o600); err != nil {
		return nil, fmt.Errorf("orchestrator: write auth file: %w", err)
	}

	configFilePath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configFilePath, []byte(`{"model":"gpt-4"}`), 0o644); err != nil {
		return nil, fmt.Errorf("orchestrator: write config file: %w", err)
	}

	env := []string{
		"WORKSPACE_DIR=/app/workspace",
		"CODEX_CONFIG_PATH=/app/config/config.json",
		"TERM=xterm-256color",
		"HOME=/app",
		"PYTHONUNBUFFERED=1",
	}
	for k, v := range bundle.Environment {
		env = append(env, k+"="+v)
	}

	name := "agentbroker-agent-" + agentID + "-" + shortid.Generate()[:8]
	containerID, err := o.driver.Create(ctx, sandbox.CreateSpec{
		Image:   o.cfg.Sandbox.Image,
		Name:    name,
		Command: []string{"/usr/local/bin/agentbridge"},
		Env:     env,
		Mounts: []sandbox.Mount{
			{HostPath: workspaceDir, ContainerPath: "/app/workspace", ReadOnly: false},
			{HostPath: configDir, ContainerPath: "/app/config", ReadOnly: true},
		},
		WorkDir:     "/app",
		NetworkMode: o.cfg.Sandbox.NetworkMode,
		MemoryBytes: o.cfg.Sandbox.MemoryLimitBytes,
		NanoCPUs:    o.cfg.Sandbox.CPUQuotaMillis * 1_000_000,
		StdinOpen:   true,
		TTY:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create sandbox: %w", err)
	}

	if err := o.driver.Start(ctx, containerID); err != nil {
		o.rollback(containerID, dir)
		return nil, fmt.Errorf("orchestrator: start sandbox: %w", err)
	}

	if err := o.driver.WaitReady(ctx, containerID, readyCheckCmd(), 60*time.Second, 2*time.Second); err != nil {
		o.rollback(containerID, dir)
		return nil, fmt.Errorf("orchestrator: wait for bridge ready: %w", err)
	}

	binding := sc.Binding
	if binding == "" {
		binding = index.BindingEphemeral
	}

	if err := o.idx.Register(index.Record{
		AgentID:       agentID,
		ContainerID:   containerID,
		ContainerName: name,
		Status:        index.StatusRunning,
		Binding:       binding,
		WorkspacePath: workspaceDir,
		ConfigPath:    configDir,
	}); err != nil {
		log.Printf("orchestrator: failed to persist index record for %s: %v", agentID, err)
	}

	sess := session.New(agentID, containerID, binding, o.driver)

	o.mu.Lock()
	o.sessions[agentID] = sess
	o.mu.Unlock()

	return sess, nil
}

func (o *Orchestrator) rollback(containerID, dataDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.driver.Stop(ctx, containerID, 5*time.Second); err != nil && !sandbox.IsNotFound(err) && !sandbox.IsConflict(err) {
		log.Printf("orchestrator: rollback stop failed for %s: %v", containerID, err)
	}
	if err := o.driver.Remove(ctx, containerID, true); err != nil && !sandbox.IsNotFound(err) && !sandbox.IsConflict(err) {
		log.Printf("orchestrator: rollback remove failed for %s: %v", containerID, err)
	}
	os.RemoveAll(dataDir)
}

// Turn sends text to agentID's session and returns the Assistant's reply.
func (o *Orchestrator) Turn(ctx context.Context, agentID, text string, deadline time.Duration) (string, error) {
	sess, err := o.GetOrCreate(ctx, agentID, SessionConfig{})
	if err != nil {
		return "", err
	}
	if deadline <= 0 {
		deadline = o.cfg.Server.TurnTimeoutDefault
	}
	resp, err := sess.SendTurn(ctx, text, deadline)
	if err == nil {
		o.idx.Touch(agentID)
	}
	return resp, err
}

// List returns a summary of every known session.
func (o *Orchestrator) List() []SessionSummary {
	recs := o.idx.List()
	out := make([]SessionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, o.summaryFor(rec))
	}
	return out
}

// Status returns the summary for a single agent, including a best-effort
// read of its health file so a caller can distinguish a wedged assistant
// from a slow one without attaching a debugger.
func (o *Orchestrator) Status(ctx context.Context, agentID string) (SessionSummary, bool) {
	rec, ok := o.idx.Get(agentID)
	if !ok {
		return SessionSummary{}, false
	}
	s := o.summaryFor(rec)
	s.Health = o.readHealth(ctx, rec.ContainerID)
	return s, true
}

// readHealth execs a cat of the bridge's health file and parses it; any
// failure (sandbox not running, file not yet written, bad JSON) yields a
// nil result rather than an error, since health reporting is advisory.
func (o *Orchestrator) readHealth(ctx context.Context, containerID string) *bridge.SelfStats {
	paths := bridge.DefaultPaths()
	res, err := o.driver.Exec(ctx, containerID, sandbox.ExecOptions{
		Argv: []string{"cat", paths.Health},
	})
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var stats bridge.SelfStats
	if err := json.Unmarshal(res.Stdout, &stats); err != nil {
		return nil
	}
	return &stats
}

func (o *Orchestrator) summaryFor(rec index.Record) SessionSummary {
	s := SessionSummary{
		AgentID:     rec.AgentID,
		Status:      rec.Status,
		Binding:     rec.Binding,
		CreatedAt:   rec.CreatedAt,
		LastActive:  rec.LastActive,
		ContainerID: rec.ContainerID,
	}
	o.mu.Lock()
	if sess, ok := o.sessions[rec.AgentID]; ok {
		s.TurnCount = sess.TurnCount()
	}
	o.mu.Unlock()
	return s
}

// Stop stops agentID's sandbox without deleting its durable data.
func (o *Orchestrator) Stop(ctx context.Context, agentID string) error {
	rec, ok := o.idx.Get(agentID)
	if !ok {
		return fmt.Errorf("orchestrator: no session for agent %s", agentID)
	}
	if err := o.driver.Stop(ctx, rec.ContainerID, 10*time.Second); err != nil && !sandbox.IsConflict(err) && !sandbox.IsNotFound(err) {
		return fmt.Errorf("orchestrator: stop sandbox: %w", err)
	}
	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()
	return o.idx.UpdateStatus(agentID, index.StatusStopped)
}

// Restart stops and starts agentID's sandbox again, waiting for readiness.
func (o *Orchestrator) Restart(ctx context.Context, agentID string) error {
	if err := o.Stop(ctx, agentID); err != nil {
		return err
	}
	_, err := o.GetOrCreate(ctx, agentID, SessionConfig{})
	return err
}

// Remove tears agentID's session down completely: sandbox, durable data,
// and index entry. This is always an explicit removal, bypassing the
// persistent-binding preservation in cleanup (§4.7.1 step 5).
func (o *Orchestrator) Remove(ctx context.Context, agentID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[agentID]
	o.mu.Unlock()

	rec, recOK := o.idx.Get(agentID)

	if ok {
		if !sess.BeginCleanup() {
			return nil // another path is already tearing this down
		}
		defer sess.FinishCleanup()
	}

	if recOK {
		o.bestEffortShutdownFIFO(ctx, rec.ContainerID)
		if err := o.driver.Stop(ctx, rec.ContainerID, 10*time.Second); err != nil && !sandbox.IsConflict(err) && !sandbox.IsNotFound(err) {
			log.Printf("orchestrator: remove stop failed for %s: %v", agentID, err)
		}
		if err := o.driver.Remove(ctx, rec.ContainerID, true); err != nil && !sandbox.IsConflict(err) && !sandbox.IsNotFound(err) {
			log.Printf("orchestrator: remove failed for %s: %v", agentID, err)
		}
		os.RemoveAll(o.agentDir(agentID))
	}

	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()
	o.idx.Remove(agentID)
	return nil
}

func (o *Orchestrator) bestEffortShutdownFIFO(ctx context.Context, containerID string) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	paths := bridge.DefaultPaths()
	_, _ = o.driver.Exec(shutdownCtx, containerID, sandbox.ExecOptions{
		Argv: []string{"rm", "-f", paths.Incoming},
	})
}

// cleanupOne drives one session through the §4.7.1 race-safe algorithm,
// used by the explicit stop-on-idle path, Shutdown's drain, and the
// reap_inactive RPC. Returns an error only when cleanup could not even be
// entered (another teardown already owns it); engine-level stop/remove
// failures are logged and otherwise treated as best-effort per §4.7.1.
func (o *Orchestrator) cleanupOne(ctx context.Context, agentID string, explicitRemoval bool) error {
	o.mu.Lock()
	sess, ok := o.sessions[agentID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if !sess.BeginCleanup() {
		return fmt.Errorf("orchestrator: cleanup already in progress for %s", agentID)
	}
	defer sess.FinishCleanup()

	if sess.Binding == index.BindingPersistent && !explicitRemoval {
		o.idx.Touch(agentID)
		return nil
	}

	o.bestEffortShutdownFIFO(ctx, sess.ContainerID)
	if err := o.driver.Stop(ctx, sess.ContainerID, 10*time.Second); err != nil && !sandbox.IsConflict(err) && !sandbox.IsNotFound(err) {
		log.Printf("orchestrator: cleanup stop failed for %s: %v", agentID, err)
	}
	if err := o.driver.Remove(ctx, sess.ContainerID, true); err != nil && !sandbox.IsConflict(err) && !sandbox.IsNotFound(err) {
		log.Printf("orchestrator: cleanup remove failed for %s: %v", agentID, err)
	}
	os.RemoveAll(o.agentDir(agentID))

	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()
	o.idx.Remove(agentID)
	return nil
}

// StartReaper launches the background idle-eviction loop.
func (o *Orchestrator) StartReaper(interval, idleTimeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	o.reaperCancel = cancel
	o.reaperDone = make(chan struct{})

	go func() {
		defer close(o.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.reapOnce(idleTimeout)
			}
		}
	}()
}

func (o *Orchestrator) reapOnce(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	stale := o.idx.ListIdleSince(cutoff)
	for _, rec := range stale {
		log.Printf("orchestrator: reaping idle agent %s (idle since %v)", rec.AgentID, rec.LastActive)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := o.cleanupOne(ctx, rec.AgentID, false); err != nil {
			log.Printf("orchestrator: reap of %s deferred: %v", rec.AgentID, err)
		}
		cancel()
	}
}

// EvictIfEphemeral is the session registry's onEvict hook (C9's
// background sweep, SPEC_FULL §4.9): when a transport-level session
// mapping has gone stale, this decides whether that means anything for
// the underlying sandbox. cleanupOne's own binding dispatch (§4.7.1 step
// 5) does the actual work: a Persistent agent is left running so a future
// connection can reattach to the same agent id; an Ephemeral one has no
// other path back to it once its mapping is gone, so it is torn down.
func (o *Orchestrator) EvictIfEphemeral(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.cleanupOne(ctx, agentID, false); err != nil {
		log.Printf("orchestrator: registry-triggered eviction of %s deferred: %v", agentID, err)
	}
}

// FailedReap names one agent the reap_inactive RPC could not evict.
type FailedReap struct {
	AgentID string
	Reason  string
}

// ReapInactive is the directly callable counterpart to the automatic
// reaper (§6.5's reap_inactive RPC): it evicts every Ephemeral session
// idle past threshold and reports what it did.
func (o *Orchestrator) ReapInactive(ctx context.Context, threshold time.Duration) (removed []string, failed []FailedReap) {
	cutoff := time.Now().Add(-threshold)
	for _, rec := range o.idx.ListIdleSince(cutoff) {
		if err := o.cleanupOne(ctx, rec.AgentID, false); err != nil {
			failed = append(failed, FailedReap{AgentID: rec.AgentID, Reason: err.Error()})
			continue
		}
		if _, ok := o.idx.Get(rec.AgentID); !ok {
			removed = append(removed, rec.AgentID)
		}
	}
	return removed, failed
}

// Shutdown cancels the reaper, then drains every live session through
// cleanup in parallel, bounded by an errgroup.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.reaperCancel != nil {
		o.reaperCancel()
		<-o.reaperDone
	}

	o.mu.Lock()
	agentIDs := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		agentIDs = append(agentIDs, id)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range agentIDs {
		id := id
		g.Go(func() error {
			o.cleanupOne(gctx, id, false)
			return nil
		})
	}
	return g.Wait()
}
