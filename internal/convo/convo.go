// Package convo implements the ConversationRegistry: the sole authority
// mapping (channel, thread) to session_id, with its own conversation state
// machine (§3 "ConversationBinding", §4.5).
package convo

import (
	"sync"
	"time"
)

// State is a conversation binding's state, constrained to the transition
// graph in §3.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStreaming     State = "streaming"
	StateAwaitingInput State = "awaiting_input"
	StateStopped       State = "stopped"
)

// allowedTransitions is the fixed state graph from §3. stopped is terminal.
var allowedTransitions = map[State]map[State]bool{
	StateIdle:          {StateRunning: true, StateStopped: true},
	StateRunning:       {StateStreaming: true, StateAwaitingInput: true, StateStopped: true},
	StateStreaming:     {StateRunning: true, StateAwaitingInput: true, StateStopped: true},
	StateAwaitingInput: {StateRunning: true, StateStreaming: true, StateStopped: true},
	StateStopped:       {},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

// maxQueuedMessages bounds a binding's queued-message list.
const maxQueuedMessages = 50

// bindingTTL is 4h from last activity, per §3.
const bindingTTL = 4 * time.Hour

// Binding is one (channel, thread) <-> session_id association.
type Binding struct {
	Channel      string
	ThreadID     string
	SessionID    string
	State        State
	LastActivity time.Time
	Queued       []string
}

// ErrIllegalTransition is returned when a caller attempts a transition not
// present in the state graph.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return "convo: illegal transition " + string(e.From) + " -> " + string(e.To)
}

// Registry is the sole authority on (channel, thread) <-> session_id
// binding. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding // key: channel + "\x00" + thread
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]*Binding), now: time.Now}
}

func key(channel, thread string) string {
	return channel + "\x00" + thread
}

// Bind creates or replaces the binding for (channel, thread), the only way
// a binding for that thread may be created (§4.5).
func (r *Registry) Bind(channel, thread, sessionID string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &Binding{
		Channel:      channel,
		ThreadID:     thread,
		SessionID:    sessionID,
		State:        StateIdle,
		LastActivity: r.now(),
	}
	r.bindings[key(channel, thread)] = b
	return b
}

// Resolve returns the binding for (channel, thread), lazily expiring it if
// its TTL has lapsed since last activity.
func (r *Registry) Resolve(channel, thread string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key(channel, thread)]
	if !ok {
		return nil, false
	}
	if r.now().Sub(b.LastActivity) >= bindingTTL {
		delete(r.bindings, key(channel, thread))
		return nil, false
	}
	return b, true
}

// Unbind removes every binding pointing at sessionID, e.g. on session end.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, b := range r.bindings {
		if b.SessionID == sessionID {
			delete(r.bindings, k)
		}
	}
}

// Transition moves a binding to a new state if the edge is legal, touching
// LastActivity. Illegal transitions are rejected and must be logged by the
// caller.
func (r *Registry) Transition(channel, thread string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key(channel, thread)]
	if !ok {
		return &ErrIllegalTransition{From: StateStopped, To: to}
	}
	if !CanTransition(b.State, to) {
		return &ErrIllegalTransition{From: b.State, To: to}
	}
	b.State = to
	b.LastActivity = r.now()
	return nil
}

// BindingsFor returns every live binding pointing at sessionID.
func (r *Registry) BindingsFor(sessionID string) []*Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Binding
	for _, b := range r.bindings {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	return out
}

// TransitionSession applies a transition to every binding of a session,
// used by the forward path where the router knows the session but not
// which thread the human will answer from. The first illegal edge is
// returned; legal bindings still move.
func (r *Registry) TransitionSession(sessionID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, b := range r.bindings {
		if b.SessionID != sessionID {
			continue
		}
		if !CanTransition(b.State, to) {
			if firstErr == nil {
				firstErr = &ErrIllegalTransition{From: b.State, To: to}
			}
			continue
		}
		b.State = to
		b.LastActivity = r.now()
	}
	return firstErr
}

// Enqueue appends a queued message onto a binding, bounded at
// maxQueuedMessages (oldest dropped first).
func (r *Registry) Enqueue(channel, thread, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key(channel, thread)]
	if !ok {
		return
	}
	b.Queued = append(b.Queued, msg)
	if len(b.Queued) > maxQueuedMessages {
		b.Queued = b.Queued[len(b.Queued)-maxQueuedMessages:]
	}
	b.LastActivity = r.now()
}
