// Package registry implements the Session Registry (C9): it maps
// transport-level session keys to stable agent identifiers and runs a
// periodic sweep that evicts mappings that have gone idle.
//
// Grounded on original_source/src/session_registry.py's
// MCPSessionRegistry: the session-key-to-agent-id mapping, the
// last-activity-based staleness sweep, and the end-session-returns-
// agent-id-for-cleanup contract all come from there. The periodic sweep
// is reimplemented with a time.Ticker rather than a cancellable asyncio
// task loop.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"
)

// Info is one tracked session-key-to-agent mapping.
type Info struct {
	SessionKey   string
	AgentID      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Registry tracks the transport-session-key -> agent-id mapping and its
// reverse index.
type Registry struct {
	mu             sync.Mutex
	sessionTimeout time.Duration
	sessions       map[string]*Info
	agentToSession map[string]string
}

func New(sessionTimeout time.Duration) *Registry {
	return &Registry{
		sessionTimeout: sessionTimeout,
		sessions:       make(map[string]*Info),
		agentToSession: make(map[string]string),
	}
}

// ResolveOrCreate returns the stable agent id for sessionKey, creating and
// recording a deterministic mapping if this is the first time it is seen.
func (r *Registry) ResolveOrCreate(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.sessions[sessionKey]; ok {
		info.LastActivity = time.Now()
		return info.AgentID
	}

	agentID := deriveAgentID(sessionKey)
	now := time.Now()
	r.sessions[sessionKey] = &Info{
		SessionKey:   sessionKey,
		AgentID:      agentID,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.agentToSession[agentID] = sessionKey
	return agentID
}

// deriveAgentID deterministically derives an agent id from a session key,
// so the same transport session always maps back to the same agent even
// across a registry restart that lost its in-memory state.
func deriveAgentID(sessionKey string) string {
	sum := sha256.Sum256([]byte(sessionKey))
	return "session-" + hex.EncodeToString(sum[:])[:16]
}

// Touch refreshes a session's last-activity timestamp without changing its
// mapping.
func (r *Registry) Touch(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionKey]; ok {
		info.LastActivity = time.Now()
	}
}

// AgentFor returns the agent id mapped to sessionKey, if any.
func (r *Registry) AgentFor(sessionKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[sessionKey]
	if !ok {
		return "", false
	}
	return info.AgentID, true
}

// End removes sessionKey's mapping and returns the agent id it pointed to,
// so the orchestrator can decide whether to detach or evict the
// underlying sandbox.
func (r *Registry) End(sessionKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endLocked(sessionKey)
}

func (r *Registry) endLocked(sessionKey string) (string, bool) {
	info, ok := r.sessions[sessionKey]
	if !ok {
		return "", false
	}
	delete(r.sessions, sessionKey)
	delete(r.agentToSession, info.AgentID)
	return info.AgentID, true
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweepOnce evicts sessions idle longer than sessionTimeout and returns
// their agent ids, for the caller to signal the orchestrator about.
func (r *Registry) sweepOnce() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	now := time.Now()
	for key, info := range r.sessions {
		if now.Sub(info.LastActivity) > r.sessionTimeout {
			stale = append(stale, key)
		}
	}

	var evicted []string
	for _, key := range stale {
		if agentID, ok := r.endLocked(key); ok {
			evicted = append(evicted, agentID)
		}
	}
	return evicted
}

// EvictFunc is called once per agent id whose session mapping the
// background sweep evicted for inactivity.
type EvictFunc func(agentID string)

// RunSweeper runs a periodic staleness sweep until ctx is cancelled,
// invoking onEvict for each evicted agent.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration, onEvict EvictFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agentID := range r.sweepOnce() {
				log.Printf("registry: evicted stale session mapping for agent %s", agentID)
				if onEvict != nil {
					onEvict(agentID)
				}
			}
		}
	}
}
