// Package router dispatches detected prompts to channels and routes human
// replies back through the gate, the policy engine, and the interaction
// executor (§4.5). The router is the only writer of prompt-state
// transitions, so they are totally ordered per session (§5).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/capability"
	"github.com/abdulraoufatia/atlasbridge/internal/channels"
	"github.com/abdulraoufatia/atlasbridge/internal/classify"
	"github.com/abdulraoufatia/atlasbridge/internal/convo"
	"github.com/abdulraoufatia/atlasbridge/internal/detector"
	"github.com/abdulraoufatia/atlasbridge/internal/policy"
	"github.com/abdulraoufatia/atlasbridge/internal/ratelimit"
	"github.com/abdulraoufatia/atlasbridge/internal/redact"
	"github.com/abdulraoufatia/atlasbridge/internal/session"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
	"github.com/abdulraoufatia/atlasbridge/internal/trace"
	"github.com/abdulraoufatia/atlasbridge/internal/trust"
)

// Facade is the slice of MultiChannel the router needs.
type Facade interface {
	SendPrompt(ctx context.Context, p channels.Prompt) (string, error)
	Notify(ctx context.Context, text, sessionID string) error
	EditPromptMessage(ctx context.Context, messageID, newText string) error
	IsAllowed(identity string) bool
}

// SessionRuntime is the per-session injection seam (adapter.Runtime).
type SessionRuntime interface {
	classify.Injector
	classify.OutputClock
}

// HandlerName identifies one of the four named intent handlers (§9).
type HandlerName string

const (
	HandlerAutopilot   HandlerName = "autopilot"
	HandlerHuman       HandlerName = "human"
	HandlerDeny        HandlerName = "deny"
	HandlerPassthrough HandlerName = "passthrough"
)

// Handler executes one intent for a classified prompt.
type Handler func(ctx context.Context, ev detector.PromptEvent, dec policy.Decision) error

// Options wires a Router.
type Options struct {
	Sessions    *session.Manager
	Registry    *convo.Registry
	Channel     Facade
	Audit       *audit.Writer
	Trace       *trace.Writer
	DB          *store.DB
	Environment string

	RateLimit      int // per minute, default 10
	RateBurst      int // default 3
	AllowInterrupt bool
	AllowChatTurns bool

	// Trust + the capability gate for workspace_trust_grant: a folder-trust
	// reply only persists a grant when this build's edition allows it.
	Trust         *trust.Store
	Capabilities  *capability.Registry
	Edition       capability.Edition
	AuthorityMode capability.AuthorityMode
}

// Router binds the forward path (PromptEvent -> channel or autopilot) and
// the return path (Reply -> gate -> executor -> PTY).
type Router struct {
	sessions *session.Manager
	registry *convo.Registry
	channel  Facade
	audit    *audit.Writer
	trace    *trace.Writer
	db       *store.DB
	env      string

	limiter        *ratelimit.Limiter
	allowInterrupt bool
	allowChatTurns bool

	trustStore    *trust.Store
	capabilities  *capability.Registry
	edition       capability.Edition
	authorityMode capability.AuthorityMode

	prompts  *promptTable
	handlers map[HandlerName]Handler

	mu       sync.Mutex
	pol      *policy.Policy
	runtimes map[string]SessionRuntime
}

// New builds a Router with the default named handlers. The policy may be
// swapped later via SetPolicy (hot reload).
func New(pol *policy.Policy, opts Options) *Router {
	perMinute := opts.RateLimit
	if perMinute == 0 {
		perMinute = 10
	}
	burst := opts.RateBurst
	if burst == 0 {
		burst = 3
	}
	r := &Router{
		sessions:       opts.Sessions,
		registry:       opts.Registry,
		channel:        opts.Channel,
		audit:          opts.Audit,
		trace:          opts.Trace,
		db:             opts.DB,
		env:            opts.Environment,
		limiter:        ratelimit.New(perMinute, burst),
		allowInterrupt: opts.AllowInterrupt,
		allowChatTurns: opts.AllowChatTurns,
		trustStore:     opts.Trust,
		capabilities:   opts.Capabilities,
		edition:        opts.Edition,
		authorityMode:  opts.AuthorityMode,
		prompts:        newPromptTable(),
		pol:            pol,
		runtimes:       make(map[string]SessionRuntime),
	}
	r.handlers = map[HandlerName]Handler{
		HandlerAutopilot:   r.autopilotHandler,
		HandlerHuman:       r.humanHandler,
		HandlerDeny:        r.denyHandler,
		HandlerPassthrough: r.passthroughHandler,
	}
	return r
}

// SetPolicy swaps the active policy (fsnotify hot reload). The previous
// policy keeps serving until the new one has validated (§7).
func (r *Router) SetPolicy(p *policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pol = p
}

func (r *Router) policy() *policy.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pol
}

// RegisterSession attaches a session's injection runtime.
func (r *Router) RegisterSession(sessionID string, rt SessionRuntime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[sessionID] = rt
}

// UnregisterSession detaches a finished session, unbinds its threads, and
// drops its prompt records.
func (r *Router) UnregisterSession(sessionID string) {
	r.mu.Lock()
	delete(r.runtimes, sessionID)
	r.mu.Unlock()
	r.registry.Unbind(sessionID)
	r.prompts.removeSession(sessionID)
}

func (r *Router) runtime(sessionID string) (SessionRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[sessionID]
	return rt, ok
}

// HandlePrompt is the forward path: persist, classify, consult policy,
// dispatch to the named handler. Classifier failures fail closed to the
// human path (§9 Open Questions).
func (r *Router) HandlePrompt(ctx context.Context, ev detector.PromptEvent) {
	sess, ok := r.sessions.Get(ev.SessionID)
	if !ok {
		slog.Warn("prompt for unknown session dropped", "session_id", ev.SessionID)
		return
	}

	class := classify.Classify(ev, true)
	r.prompts.add(ev, class)

	if r.db != nil {
		if err := r.db.InsertPrompt(ctx, store.PromptRow{
			ID: ev.PromptID, SessionID: ev.SessionID, Type: string(ev.Type),
			Confidence: string(ev.Confidence), Excerpt: redact.Redact(ev.Excerpt),
			DetectedAt: ev.CreatedAt, ExpiresAt: ev.ExpiresAt, Status: string(StateDetected),
		}); err != nil {
			slog.Error("persist prompt failed", "error", err)
		}
	}
	r.appendAudit(ctx, audit.EventPromptDetected, ev.SessionID, ev.PromptID, map[string]any{
		"prompt_type": string(ev.Type),
		"confidence":  string(ev.Confidence),
		"excerpt":     ev.Excerpt,
	})

	pol := r.policy()
	dec := policy.Evaluate(pol, policy.Event{
		ToolID:       sess.Tool,
		Repo:         sess.Cwd,
		PromptType:   string(ev.Type),
		Confidence:   policy.Confidence(ev.Confidence),
		Excerpt:      ev.Excerpt,
		SessionTag:   sess.Tag,
		SessionState: string(sess.GetStatus()),
		Environment:  r.env,
	})
	r.traceDecision(ev, dec)

	// Enforce per-session max_auto_replies by downgrading to the human
	// path once the cap is reached.
	name := handlerFor(dec.Action.Kind)
	if dec.Action.Kind == policy.ActionAutoReply && dec.MatchedRuleID != "" {
		if limit := maxAutoRepliesFor(pol, dec.MatchedRuleID); limit > 0 {
			if sess.IncrAutoReply(dec.MatchedRuleID) > limit {
				name = HandlerHuman
			}
		}
	}
	// Password prompts never auto-inject regardless of policy.
	if class == classify.ClassPasswordInput && name == HandlerAutopilot {
		name = HandlerHuman
	}

	handler, ok := r.handlers[name]
	if !ok {
		handler = r.handlers[HandlerHuman]
	}
	if err := handler(ctx, ev, dec); err != nil {
		slog.Error("prompt handler failed", "handler", string(name), "prompt_id", ev.PromptID, "error", err)
		// Fail closed: anything the configured handler could not do goes
		// to the human path.
		if name != HandlerHuman {
			if err := r.humanHandler(ctx, ev, dec); err != nil {
				slog.Error("human fallback failed", "prompt_id", ev.PromptID, "error", err)
			}
		}
	}
}

func handlerFor(kind policy.ActionKind) HandlerName {
	switch kind {
	case policy.ActionAutoReply, policy.ActionNotifyOnly:
		return HandlerAutopilot
	case policy.ActionDeny:
		return HandlerDeny
	case policy.ActionRequireHuman:
		return HandlerHuman
	default:
		return HandlerHuman
	}
}

func maxAutoRepliesFor(p *policy.Policy, ruleID string) int {
	for _, rule := range p.Rules {
		if rule.ID == ruleID {
			return rule.MaxAutoReplies
		}
	}
	return 0
}

// autopilotHandler executes auto_reply through the interaction executor
// (suppress_value=false) and notify_only as a plain notification.
func (r *Router) autopilotHandler(ctx context.Context, ev detector.PromptEvent, dec policy.Decision) error {
	if dec.Action.Kind == policy.ActionNotifyOnly {
		msg := dec.Action.Message
		if msg == "" {
			msg = fmt.Sprintf("Noticed a %s prompt; no reply needed.", ev.Type)
		}
		r.appendAudit(ctx, audit.EventPromptRouted, ev.SessionID, ev.PromptID, map[string]any{
			"handler": string(HandlerAutopilot), "mode": "notify_only",
		})
		r.resolvePrompt(ctx, ev.PromptID, StateResolved)
		return r.channel.Notify(ctx, msg, ev.SessionID)
	}

	rt, ok := r.runtime(ev.SessionID)
	if !ok {
		return fmt.Errorf("no runtime for session %s", ev.SessionID)
	}
	rec, _ := r.prompts.get(ev.PromptID)
	plan := classify.PlanFor(rec.class)
	exec := classify.NewExecutor(rt, rt, r.notifierFor(ev.SessionID))

	if err := r.prompts.transition(ev.PromptID, StateRouted); err != nil {
		return err
	}
	res := exec.Execute(ctx, rec.class, plan, dec.Action.Value, string(ev.Type))
	r.appendAudit(ctx, audit.EventResponseInjected, ev.SessionID, ev.PromptID, map[string]any{
		"source":       "autopilot",
		"matched_rule": dec.MatchedRuleID,
		"value":        displayValue(plan, dec.Action.Value),
		"escalated":    res.Escalated,
	})
	if res.Escalated {
		r.updatePromptRow(ctx, ev.PromptID, StateFailed)
		r.resolvePrompt(ctx, ev.PromptID, StateFailed)
		return nil
	}
	r.resolvePrompt(ctx, ev.PromptID, StateResolved)
	r.updatePromptRow(ctx, ev.PromptID, StateResolved)
	return nil
}

// humanHandler dispatches the prompt to channels, queueing when another
// prompt is already active for the session.
func (r *Router) humanHandler(ctx context.Context, ev detector.PromptEvent, dec policy.Decision) error {
	sess, ok := r.sessions.Get(ev.SessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", ev.SessionID)
	}
	if sess.HasActivePrompt() && sess.ActivePromptID != ev.PromptID {
		sess.Enqueue(ev.PromptID)
		return nil
	}
	return r.dispatch(ctx, sess, ev)
}

func (r *Router) dispatch(ctx context.Context, sess *session.Session, ev detector.PromptEvent) error {
	rec, ok := r.prompts.get(ev.PromptID)
	if !ok {
		return fmt.Errorf("unknown prompt %s", ev.PromptID)
	}
	if err := r.prompts.transition(ev.PromptID, StateRouted); err != nil {
		return err
	}
	sess.SetActivePrompt(ev.PromptID)
	sess.SetStatus(session.StatusAwaitingReply)

	plan := classify.PlanFor(rec.class)
	msgID, err := r.channel.SendPrompt(ctx, channels.Prompt{
		PromptID:     ev.PromptID,
		SessionID:    ev.SessionID,
		SessionLabel: sess.Label,
		Tool:         sess.Tool,
		Type:         string(ev.Type),
		Excerpt:      ev.Excerpt,
		Choices:      ev.Choices,
		ButtonLayout: string(plan.ButtonLayout),
		Ambiguous:    ev.Ambiguous,
		ExpiresAt:    ev.ExpiresAt,
	})
	if err != nil {
		sess.ClearActivePrompt()
		r.resolvePrompt(ctx, ev.PromptID, StateFailed)
		return fmt.Errorf("send prompt: %w", err)
	}
	sess.RecordMessage(ev.PromptID, msgID)
	r.prompts.setMessageID(ev.PromptID, msgID)
	if err := r.prompts.transition(ev.PromptID, StateAwaitingReply); err != nil {
		return err
	}
	r.updatePromptRow(ctx, ev.PromptID, StateAwaitingReply)
	if err := r.registry.TransitionSession(ev.SessionID, convo.StateAwaitingInput); err != nil {
		slog.Warn("conversation transition rejected", "session_id", ev.SessionID, "error", err)
	}
	r.appendAudit(ctx, audit.EventPromptRouted, ev.SessionID, ev.PromptID, map[string]any{
		"handler":    string(HandlerHuman),
		"message_id": msgID,
	})
	return nil
}

// denyHandler notifies and closes the prompt without injecting.
func (r *Router) denyHandler(ctx context.Context, ev detector.PromptEvent, dec policy.Decision) error {
	reason := dec.Action.Reason
	if reason == "" {
		reason = "denied by policy"
	}
	r.appendAudit(ctx, audit.EventPromptRouted, ev.SessionID, ev.PromptID, map[string]any{
		"handler": string(HandlerDeny), "reason": reason,
	})
	r.resolvePrompt(ctx, ev.PromptID, StateFailed)
	r.updatePromptRow(ctx, ev.PromptID, StateFailed)
	return r.channel.Notify(ctx, fmt.Sprintf("Prompt denied: %s", reason), ev.SessionID)
}

// passthroughHandler leaves the prompt for the local operator: nothing is
// sent or injected, the prompt just stays on the terminal.
func (r *Router) passthroughHandler(ctx context.Context, ev detector.PromptEvent, dec policy.Decision) error {
	r.appendAudit(ctx, audit.EventPromptRouted, ev.SessionID, ev.PromptID, map[string]any{
		"handler": string(HandlerPassthrough),
	})
	r.resolvePrompt(ctx, ev.PromptID, StateResolved)
	return nil
}

func (r *Router) notifierFor(sessionID string) classify.Notifier {
	return notifierFunc(func(ctx context.Context, text string) {
		if err := r.channel.Notify(ctx, text, sessionID); err != nil {
			slog.Warn("notify failed", "session_id", sessionID, "error", err)
		}
	})
}

type notifierFunc func(ctx context.Context, text string)

func (f notifierFunc) Notify(ctx context.Context, text string) { f(ctx, text) }

func displayValue(plan classify.Plan, value string) string {
	if plan.SuppressValue {
		return redact.Redacted
	}
	return value
}

func (r *Router) resolvePrompt(ctx context.Context, promptID string, terminal PromptState) {
	rec, ok := r.prompts.get(promptID)
	if !ok {
		return
	}
	r.prompts.mu.Lock()
	rec.state = terminal
	r.prompts.mu.Unlock()

	sess, ok := r.sessions.Get(rec.event.SessionID)
	if !ok {
		return
	}
	if sess.ActivePromptID == promptID {
		sess.ClearActivePrompt()
		if sess.GetStatus() == session.StatusAwaitingReply {
			sess.SetStatus(session.StatusRunning)
		}
	}
	// The record is kept (terminal) so late duplicate callbacks can still
	// be recognized; it is dropped when the session unregisters.
	r.drainQueue(ctx, sess)
}

// drainQueue dispatches the next queued prompt, if any, skipping entries
// that expired while waiting.
func (r *Router) drainQueue(ctx context.Context, sess *session.Session) {
	for {
		next, ok := sess.Dequeue()
		if !ok {
			return
		}
		rec, ok := r.prompts.get(next)
		if !ok {
			continue
		}
		if time.Now().After(rec.event.ExpiresAt) {
			r.expireRecord(ctx, rec)
			continue
		}
		if err := r.dispatch(ctx, sess, rec.event); err != nil {
			slog.Error("queued prompt dispatch failed", "prompt_id", next, "error", err)
			continue
		}
		return
	}
}

func (r *Router) updatePromptRow(ctx context.Context, promptID string, state PromptState) {
	if r.db == nil {
		return
	}
	if err := r.db.UpdatePromptStatus(ctx, promptID, string(state)); err != nil {
		slog.Error("persist prompt status failed", "prompt_id", promptID, "error", err)
	}
}

func (r *Router) appendAudit(ctx context.Context, eventType, sessionID, promptID string, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, eventType, sessionID, promptID, payload); err != nil {
		slog.Error("audit append failed", "event_type", eventType, "error", err)
	}
}

func (r *Router) traceDecision(ev detector.PromptEvent, dec policy.Decision) {
	if r.trace == nil {
		return
	}
	risk := "low"
	if dec.Action.Kind == policy.ActionAutoReply {
		risk = "medium"
	}
	if _, err := r.trace.Append(trace.Entry{
		SessionID:      ev.SessionID,
		PromptID:       ev.PromptID,
		PolicyHash:     dec.PolicyHash,
		MatchedRule:    dec.MatchedRuleID,
		Confidence:     string(dec.Confidence),
		Action:         string(dec.Action.Kind),
		Explanation:    dec.Explanation,
		IdempotencyKey: uuid.NewString(),
		RiskLevel:      risk,
	}); err != nil {
		slog.Error("trace append failed", "error", err)
	}
}
