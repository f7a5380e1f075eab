// Package session tracks per-session state: lifecycle status, the active
// prompt, channel-message handles, and a pending-prompt FIFO (§3
// "Session", §4.5 "Forward path").
package session

import (
	"sync"
	"time"
)

// Status is the session lifecycle state machine.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusAwaitingReply Status = "awaiting_reply"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusCrashed       Status = "crashed"
	StatusCanceled      Status = "canceled"
)

// Session is one supervised child-process lifetime.
type Session struct {
	ID       string
	Tool     string
	Argv     []string
	Cwd      string
	Label    string
	PID      int
	Status   Status
	Tag      string

	ActivePromptID string
	// PromptMessages maps prompt_id -> channel message handle
	// ("{channel}:{inner_id}") for later edit dispatch.
	PromptMessages map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time

	mu         sync.Mutex
	queue      []string // FIFO of queued prompt_ids awaiting dispatch
	autoReplyN map[string]int // rule_id -> count, for max_auto_replies enforcement
}

// NewSession constructs a Session in the starting state.
func NewSession(id, tool string, argv []string, cwd, label string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		Tool:           tool,
		Argv:           argv,
		Cwd:            cwd,
		Label:          label,
		Status:         StatusStarting,
		PromptMessages: make(map[string]string),
		autoReplyN:     make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SetStatus transitions the session's lifecycle status.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.UpdatedAt = time.Now()
}

// GetStatus reads the current status.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// SetActivePrompt records the session's single active prompt (at most one).
func (s *Session) SetActivePrompt(promptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActivePromptID = promptID
	s.UpdatedAt = time.Now()
}

// ClearActivePrompt clears the active prompt, e.g. on resolve/expire.
func (s *Session) ClearActivePrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActivePromptID = ""
	s.UpdatedAt = time.Now()
}

// HasActivePrompt reports whether a prompt is currently outstanding.
func (s *Session) HasActivePrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ActivePromptID != ""
}

// RecordMessage associates a prompt_id with its channel message handle.
func (s *Session) RecordMessage(promptID, messageHandle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PromptMessages[promptID] = messageHandle
}

// MessageFor returns the channel message handle for a prompt_id, if any.
func (s *Session) MessageFor(promptID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.PromptMessages[promptID]
	return m, ok
}

// Enqueue appends a prompt_id to the per-session FIFO, used when a new
// prompt arrives while one is already active (§4.5).
func (s *Session) Enqueue(promptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, promptID)
}

// Dequeue pops the next queued prompt_id, if any.
func (s *Session) Dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, true
}

// IncrAutoReply increments and returns the auto-reply count for a rule,
// backing the policy engine's max_auto_replies per-session cap.
func (s *Session) IncrAutoReply(ruleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReplyN[ruleID]++
	return s.autoReplyN[ruleID]
}
