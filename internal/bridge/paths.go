// Package bridge implements the in-sandbox bridge binary (C5): it launches
// the Assistant in streaming-protocol mode, proxies submissions/events
// through a fixed set of message files, and maintains a status file the
// orchestrator polls for readiness and liveness, plus a periodically
// refreshed health file carrying its own process stats.
//
// Grounded throughout on original_source/scripts/interactive_codex_agent.py.
package bridge

import "path/filepath"

// MessageDir is the fixed in-sandbox directory for the bridge's message
// files, matching the source's MESSAGE_DIR.
const MessageDir = "/tmp/agent_messages"

// Paths bundles the bridge's message-file locations under MessageDir.
type Paths struct {
	Incoming string // FIFO: broker -> bridge, one submission per line
	Response string // regular file: bridge -> broker, latest aggregated text
	Status   string // regular file: bridge -> broker, one Status value
	Health   string // regular file: bridge -> broker, periodic SelfStats JSON
	EventLog string // append-only file: bridge -> diagnostics
}

// DefaultPaths returns the fixed message-file set under MessageDir.
func DefaultPaths() Paths {
	return Paths{
		Incoming: filepath.Join(MessageDir, "incoming.msg"),
		Response: filepath.Join(MessageDir, "response.msg"),
		Status:   filepath.Join(MessageDir, "status"),
		Health:   filepath.Join(MessageDir, "health.json"),
		EventLog: filepath.Join(MessageDir, "events.log"),
	}
}
