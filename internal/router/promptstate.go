package router

import (
	"fmt"
	"sync"

	"github.com/abdulraoufatia/atlasbridge/internal/classify"
	"github.com/abdulraoufatia/atlasbridge/internal/detector"
)

// PromptState is the per-prompt lifecycle machine (§3 "PromptEvent").
type PromptState string

const (
	StateDetected      PromptState = "detected"
	StateRouted        PromptState = "routed"
	StateAwaitingReply PromptState = "awaiting_reply"
	StateReplyReceived PromptState = "reply_received"
	StateInjected      PromptState = "injected"
	StateResolved      PromptState = "resolved"
	StateExpired       PromptState = "expired"
	StateFailed        PromptState = "failed"
)

var promptTransitions = map[PromptState][]PromptState{
	StateDetected:      {StateRouted, StateExpired, StateFailed},
	StateRouted:        {StateAwaitingReply, StateExpired, StateFailed},
	StateAwaitingReply: {StateReplyReceived, StateExpired, StateFailed},
	StateReplyReceived: {StateInjected, StateFailed},
	StateInjected:      {StateResolved, StateFailed},
}

func isTerminal(s PromptState) bool {
	switch s {
	case StateResolved, StateExpired, StateFailed:
		return true
	}
	return false
}

func canTransition(from, to PromptState) bool {
	for _, next := range promptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// promptRec is the router's mutable record for one outstanding prompt.
type promptRec struct {
	event      detector.PromptEvent
	class      classify.InteractionClass
	state      PromptState
	messageID  string
	usedNonces map[string]bool
	accepted   bool
}

// promptTable indexes live prompt records by prompt_id. The router is the
// only writer, so transitions for one session are totally ordered (§5).
type promptTable struct {
	mu   sync.Mutex
	recs map[string]*promptRec
}

func newPromptTable() *promptTable {
	return &promptTable{recs: make(map[string]*promptRec)}
}

func (t *promptTable) add(ev detector.PromptEvent, class classify.InteractionClass) *promptRec {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &promptRec{
		event:      ev,
		class:      class,
		state:      StateDetected,
		usedNonces: make(map[string]bool),
	}
	t.recs[ev.PromptID] = rec
	return rec
}

func (t *promptTable) get(promptID string) (*promptRec, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[promptID]
	return rec, ok
}

func (t *promptTable) setMessageID(promptID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.recs[promptID]; ok {
		rec.messageID = messageID
	}
}

func (t *promptTable) remove(promptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recs, promptID)
}

func (t *promptTable) removeSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.recs {
		if rec.event.SessionID == sessionID {
			delete(t.recs, id)
		}
	}
}

// snapshot returns the current live records for the TTL sweep.
func (t *promptTable) snapshot() []*promptRec {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*promptRec, 0, len(t.recs))
	for _, rec := range t.recs {
		out = append(out, rec)
	}
	return out
}

// transition advances a record, enforcing the state graph.
func (t *promptTable) transition(promptID string, to PromptState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[promptID]
	if !ok {
		return fmt.Errorf("unknown prompt %s", promptID)
	}
	if !canTransition(rec.state, to) {
		return fmt.Errorf("illegal prompt transition %s -> %s", rec.state, to)
	}
	rec.state = to
	return nil
}

// isDuplicate reports whether this (prompt, nonce) pair was already seen
// or the prompt already accepted a reply.
func (t *promptTable) isDuplicate(promptID, nonce string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[promptID]
	if !ok {
		return false
	}
	return rec.accepted || rec.usedNonces[nonce]
}

// markNonce records a nonce use; the second return is false if the nonce
// was already used or a reply was already accepted for this prompt.
func (t *promptTable) markNonce(promptID, nonce string) (fresh bool, alreadyAccepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[promptID]
	if !ok {
		return false, false
	}
	if rec.usedNonces[nonce] {
		return false, rec.accepted
	}
	rec.usedNonces[nonce] = true
	if rec.accepted {
		return false, true
	}
	rec.accepted = true
	return true, false
}
