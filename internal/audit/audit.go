// Package audit implements the append-only, SHA-256 hash-chained event log
// (§4.7). All writes go through a single Writer so the chain has a total
// order; verification recomputes every link.
package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// Event types shared by the supervisor core and the agent system-of-record.
const (
	EventSessionStarted          = "session_started"
	EventSessionEnded            = "session_ended"
	EventPromptDetected          = "prompt_detected"
	EventPromptRouted            = "prompt_routed"
	EventPromptExpired           = "prompt_expired"
	EventReplyReceived           = "reply_received"
	EventResponseInjected        = "response_injected"
	EventDuplicateCallback       = "duplicate_callback_ignored"
	EventLateReplyRejected       = "late_reply_rejected"
	EventInvalidCallback         = "invalid_callback"
	EventChannelMessageAccepted  = "channel_message_accepted"
	EventChannelMessageRejected  = "channel_message_rejected"
	EventDaemonRestarted         = "daemon_restarted"
	EventAgentTurn               = "agent_turn"
	EventAgentPlan               = "agent_plan"
	EventAgentDecision           = "agent_decision"
	EventAgentToolRun            = "agent_tool_run"
	EventAgentOutcome            = "agent_outcome"
	EventCapabilityDenied        = "capability_denied"
	EventWorkspaceTrustChanged   = "workspace_trust_changed"
	EventPolicyReloaded          = "policy_reloaded"
	EventIntegrityCheckRequested = "integrity_check_requested"
)

// Event is one row of the audit chain.
type Event struct {
	ID        string
	Type      string
	SessionID string
	PromptID  string
	Payload   map[string]any
	CreatedAt time.Time
	PrevHash  string
	Hash      string
}

// Writer appends events to the chain. Process-wide singleton by design
// (§9 "Global mutable state"): construct once at startup.
type Writer struct {
	db *store.DB

	mu       sync.Mutex
	lastHash string
	primed   bool
}

// NewWriter builds a Writer over an open database.
func NewWriter(db *store.DB) *Writer {
	return &Writer{db: db}
}

// Append assigns an ID, redacts the payload, links the event to the chain
// tail, and writes it in a single transaction.
func (w *Writer) Append(ctx context.Context, eventType, sessionID, promptID string, payload map[string]any) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		last, err := w.tailHash(ctx)
		if err != nil {
			return Event{}, err
		}
		w.lastHash = last
		w.primed = true
	}

	ev := Event{
		ID:        newEventID(),
		Type:      eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   redactPayload(payload),
		CreatedAt: time.Now().UTC(),
		PrevHash:  w.lastHash,
	}
	ev.Hash = HashEvent(ev)

	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}
	err = w.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (id, event_type, session_id, prompt_id, payload, created_at, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Type, nullable(ev.SessionID), nullable(ev.PromptID),
			string(body), ev.CreatedAt.Format(time.RFC3339Nano), ev.PrevHash, ev.Hash)
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("append audit event: %w", err)
	}

	w.lastHash = ev.Hash
	return ev, nil
}

func (w *Writer) tailHash(ctx context.Context) (string, error) {
	var h string
	err := w.db.SQL().QueryRowContext(ctx,
		`SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain tail: %w", err)
	}
	return h, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func newEventID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func redactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return redact.Redact(t)
	case map[string]any:
		return redactPayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redact.Redact(e)
		}
		return out
	default:
		return v
	}
}

// HashEvent computes SHA-256 over the canonical serialization, including
// prev_hash. Canonical form is JSON with sorted keys and no whitespace
// (encoding/json sorts map keys), timestamps in RFC3339Nano UTC.
func HashEvent(ev Event) string {
	canonical := map[string]any{
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"event_type": ev.Type,
		"id":         ev.ID,
		"payload":    ev.Payload,
		"prev_hash":  ev.PrevHash,
		"prompt_id":  ev.PromptID,
		"session_id": ev.SessionID,
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
