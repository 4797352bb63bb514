package bridge

import (
	"os"
	"strings"
	"sync"
)

// Aggregator tracks, per in-flight submission, the streamed reply text and
// an optional reasoning buffer, and mirrors the latest state to the
// response file so the broker's polling session (C6) observes it.
//
// Grounded on original_source's ResponseAggregator, but resolves the
// reasoning-retention ambiguity explicitly: includeReasoning controls
// whether the reasoning buffer is folded into the final reply text
// (§9's resolved Open Question), rather than the source's apparent
// double-assignment of self.buffers[target_id].
type Aggregator struct {
	mu                sync.Mutex
	responsePath      string
	includeReasoning  bool
	currentSubmission string
	buffers           map[string]string
	reasoningBuffers  map[string]string
	ready             map[string]bool
}

func NewAggregator(responsePath string, includeReasoning bool) *Aggregator {
	return &Aggregator{
		responsePath:     responsePath,
		includeReasoning: includeReasoning,
		buffers:          make(map[string]string),
		reasoningBuffers: make(map[string]string),
		ready:            make(map[string]bool),
	}
}

// resolveSubmission maps a possibly-empty event submission id back to the
// currently active one, matching _resolve_submission.
func (a *Aggregator) resolveSubmission(submissionID string) string {
	if submissionID != "" {
		if _, ok := a.buffers[submissionID]; ok {
			return submissionID
		}
	}
	return a.currentSubmission
}

func (a *Aggregator) writeResponse(text string) {
	os.WriteFile(a.responsePath, []byte(text), 0o644)
}

// BeginSubmission starts tracking a new submission and marks the response
// file PROCESSING.
func (a *Aggregator) BeginSubmission(submissionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentSubmission = submissionID
	a.buffers[submissionID] = ""
	a.ready[submissionID] = false
	a.writeResponse(ResponseSentinel)
}

// AppendDelta appends a streamed text delta to the submission's buffer.
func (a *Aggregator) AppendDelta(submissionID, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := a.resolveSubmission(submissionID)
	if target == "" {
		return
	}
	a.buffers[target] += delta
}

// AppendReasoning accumulates reasoning text for the submission without
// touching the reply buffer: it only ever surfaces in the final reply if
// includeReasoning is set, and always lands in the event log regardless
// (the caller is responsible for the event log write).
func (a *Aggregator) AppendReasoning(submissionID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := a.resolveSubmission(submissionID)
	if target == "" {
		return
	}
	a.reasoningBuffers[target] += text
}

// FinalizeMessage combines the reasoning buffer (if includeReasoning) with
// the delta buffer and the final message, writes the response file, and
// marks the submission ready.
func (a *Aggregator) FinalizeMessage(submissionID, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := a.resolveSubmission(submissionID)
	if target == "" {
		return
	}

	reasoning := a.reasoningBuffers[target]
	delete(a.reasoningBuffers, target)
	existing := a.buffers[target]

	var b strings.Builder
	if a.includeReasoning && reasoning != "" {
		b.WriteString(reasoning)
		if !strings.HasSuffix(reasoning, "\n") {
			b.WriteByte('\n')
		}
	}
	if existing != "" {
		b.WriteString(existing)
		if !strings.HasSuffix(existing, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString(message)

	a.buffers[target] = b.String()
	a.markReadyLocked(target)
}

// AppendSystemNote appends diagnostic text (task markers, token counts,
// errors) to the current submission's buffer, refreshing the response file
// only once the submission is already marked ready — matching the source's
// guard against overwriting an in-flight PROCESSING sentinel.
func (a *Aggregator) AppendSystemNote(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentSubmission == "" {
		a.writeResponse(text)
		return
	}
	a.buffers[a.currentSubmission] += text
	if a.ready[a.currentSubmission] {
		a.writeResponse(a.buffers[a.currentSubmission])
	}
}

// Clear refreshes the response file from the current submission's buffer
// if it is already ready, used after session_configured resets bridge
// state for a fresh connection.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentSubmission == "" {
		return
	}
	if a.ready[a.currentSubmission] {
		a.writeResponse(a.buffers[a.currentSubmission])
	}
}

// MarkReady marks submissionID (or the current one) ready and, if it is
// the active submission, publishes its buffer to the response file.
func (a *Aggregator) MarkReady(submissionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	target := a.resolveSubmission(submissionID)
	if target == "" {
		return
	}
	a.markReadyLocked(target)
}

func (a *Aggregator) markReadyLocked(target string) {
	a.ready[target] = true
	if target == a.currentSubmission {
		a.writeResponse(a.buffers[target])
	}
}
