package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/capability"
	"github.com/abdulraoufatia/atlasbridge/internal/channels"
	"github.com/abdulraoufatia/atlasbridge/internal/classify"
	"github.com/abdulraoufatia/atlasbridge/internal/convo"
	"github.com/abdulraoufatia/atlasbridge/internal/gate"
	"github.com/abdulraoufatia/atlasbridge/internal/ratelimit"
	"github.com/abdulraoufatia/atlasbridge/internal/session"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// HandleReply is the return path: rate limit, gate, validate, inject.
// Every outcome appends an audit event; rejects notify the human with the
// gate's message and next-action hint, never internal IDs (§4.4, §7).
func (r *Router) HandleReply(ctx context.Context, reply channels.Reply) {
	if !r.limiter.Allow(ratelimit.Key(reply.Channel, reply.Identity)) {
		r.appendAudit(ctx, audit.EventChannelMessageRejected, reply.SessionID, reply.PromptID, map[string]any{
			"reason": "reject_rate_limited", "identity": reply.Identity,
		})
		r.notifyIdentity(ctx, reply, "You're sending messages too quickly. Wait a minute and try again.")
		return
	}

	// Duplicate callbacks (reused nonce, or any callback after a reply was
	// already accepted) are idempotency violations: audited, no user-
	// visible change (§7).
	if reply.PromptID != "" && r.prompts.isDuplicate(reply.PromptID, reply.Nonce) {
		r.appendAudit(ctx, audit.EventDuplicateCallback, reply.SessionID, reply.PromptID, map[string]any{
			"identity": reply.Identity,
		})
		return
	}

	gctx, rec, sess := r.freezeContext(reply)
	decision := gate.Evaluate(gctx)

	switch decision.Action {
	case gate.ActionReply:
		r.acceptReply(ctx, reply, rec, sess)
	case gate.ActionInterrupt:
		r.acceptInterrupt(ctx, reply, sess)
	case gate.ActionChatTurn:
		r.acceptChatTurn(ctx, reply, sess)
	default:
		r.rejectReply(ctx, reply, rec, decision)
	}
}

// freezeContext captures the gate's frozen inputs (§4.4): the gate itself
// performs no I/O and no map lookups.
func (r *Router) freezeContext(reply channels.Reply) (gate.Context, *promptRec, *session.Session) {
	gctx := gate.Context{
		ChannelUserID:          reply.Identity,
		Allowlisted:            r.channel.IsAllowed(reply.Identity),
		PolicyAllowsInterrupts: r.allowInterrupt,
		PolicyAllowsChatTurns:  r.allowChatTurns,
		Now:                    time.Now(),
	}

	binding, bound := r.registry.Resolve(reply.Channel, reply.ThreadID)
	if !bound {
		return gctx, nil, nil
	}
	gctx.HasBoundSession = true
	gctx.ConversationState = gate.ConversationState(binding.State)

	sess, ok := r.sessions.Get(binding.SessionID)
	if !ok {
		gctx.HasBoundSession = false
		return gctx, nil, nil
	}

	promptID := reply.PromptID
	if promptID == "" {
		promptID = sess.ActivePromptID
	}
	rec, ok := r.prompts.get(promptID)
	if ok && rec.event.SessionID == sess.ID {
		gctx.HasActivePrompt = sess.ActivePromptID == promptID && promptID != ""
		gctx.PromptExpiresAt = rec.event.ExpiresAt
		gctx.InteractionClass = string(rec.class)
		return gctx, rec, sess
	}
	return gctx, nil, sess
}

func (r *Router) acceptReply(ctx context.Context, reply channels.Reply, rec *promptRec, sess *session.Session) {
	if rec == nil || sess == nil {
		r.appendAudit(ctx, audit.EventInvalidCallback, reply.SessionID, reply.PromptID, map[string]any{
			"reason": "prompt record missing",
		})
		return
	}
	reply.SessionID = sess.ID
	ev := rec.event

	// Nonce single-use: at most one reply is ever accepted per prompt.
	fresh, alreadyAccepted := r.prompts.markNonce(ev.PromptID, reply.Nonce)
	if !fresh {
		eventType := audit.EventInvalidCallback
		if alreadyAccepted {
			eventType = audit.EventDuplicateCallback
		}
		r.appendAudit(ctx, eventType, sess.ID, ev.PromptID, map[string]any{
			"identity": reply.Identity,
		})
		return
	}

	r.appendAudit(ctx, audit.EventChannelMessageAccepted, sess.ID, ev.PromptID, map[string]any{
		"identity": reply.Identity, "kind": "reply",
	})
	plan := classify.PlanFor(rec.class)
	r.appendAudit(ctx, audit.EventReplyReceived, sess.ID, ev.PromptID, map[string]any{
		"identity": reply.Identity,
		"value":    displayValue(plan, reply.Value),
	})
	if err := r.prompts.transition(ev.PromptID, StateReplyReceived); err != nil {
		slog.Error("reply transition failed", "prompt_id", ev.PromptID, "error", err)
		return
	}

	rt, ok := r.runtime(sess.ID)
	if !ok {
		slog.Error("no runtime for session", "session_id", sess.ID)
		return
	}
	exec := classify.NewExecutor(rt, rt, r.notifierFor(sess.ID))
	if err := r.prompts.transition(ev.PromptID, StateInjected); err != nil {
		slog.Error("inject transition failed", "prompt_id", ev.PromptID, "error", err)
		return
	}
	res := exec.Execute(ctx, rec.class, plan, reply.Value, string(ev.Type))

	r.appendAudit(ctx, audit.EventResponseInjected, sess.ID, ev.PromptID, map[string]any{
		"source":    "human",
		"identity":  reply.Identity,
		"value":     displayValue(plan, reply.Value),
		"escalated": res.Escalated,
	})
	if r.db != nil {
		if err := r.db.InsertReply(ctx, store.ReplyRow{
			ID: uuid.NewString(), PromptID: ev.PromptID, Nonce: reply.Nonce,
			Channel: reply.Channel, ChannelUserID: reply.Identity,
			Value:      displayValue(plan, reply.Value),
			ReceivedAt: reply.ReceivedAt, InjectedAt: time.Now(),
		}); err != nil {
			slog.Error("persist reply failed", "error", err)
		}
	}

	if rec.messageID != "" {
		feedback := res.Feedback
		if feedback == "" {
			feedback = fmt.Sprintf("✓ Answered: '%s'", displayValue(plan, reply.Value))
		}
		if err := r.channel.EditPromptMessage(ctx, rec.messageID, feedback); err != nil {
			slog.Warn("edit prompt message failed", "error", err)
		}
	}

	if rec.class == classify.ClassFolderTrust && !res.Escalated {
		r.recordTrustGrant(ctx, reply, sess)
	}

	terminal := StateResolved
	if res.Escalated {
		terminal = StateFailed
	}
	r.updatePromptRow(ctx, ev.PromptID, terminal)
	if err := r.registry.Transition(reply.Channel, reply.ThreadID, convo.StateRunning); err != nil {
		slog.Warn("conversation transition rejected", "error", err)
	}
	r.resolvePrompt(ctx, ev.PromptID, terminal)
}

func (r *Router) acceptInterrupt(ctx context.Context, reply channels.Reply, sess *session.Session) {
	if sess == nil {
		return
	}
	r.appendAudit(ctx, audit.EventChannelMessageAccepted, sess.ID, "", map[string]any{
		"identity": reply.Identity, "kind": "interrupt",
	})
	rt, ok := r.runtime(sess.ID)
	if !ok {
		return
	}
	if err := classify.ChatInput(ctx, rt, reply.Value); err != nil {
		slog.Error("interrupt injection failed", "session_id", sess.ID, "error", err)
	}
}

func (r *Router) acceptChatTurn(ctx context.Context, reply channels.Reply, sess *session.Session) {
	if sess == nil {
		return
	}
	r.appendAudit(ctx, audit.EventChannelMessageAccepted, sess.ID, "", map[string]any{
		"identity": reply.Identity, "kind": "chat_turn",
	})
	if err := r.registry.Transition(reply.Channel, reply.ThreadID, convo.StateRunning); err != nil {
		slog.Warn("conversation transition rejected", "error", err)
	}
	rt, ok := r.runtime(sess.ID)
	if !ok {
		return
	}
	if err := classify.ChatInput(ctx, rt, reply.Value); err != nil {
		slog.Error("chat injection failed", "session_id", sess.ID, "error", err)
	}
}

func (r *Router) rejectReply(ctx context.Context, reply channels.Reply, rec *promptRec, decision gate.Decision) {
	sessionID := reply.SessionID
	promptID := reply.PromptID
	if rec != nil {
		sessionID = rec.event.SessionID
		promptID = rec.event.PromptID
	}

	eventType := audit.EventChannelMessageRejected
	if decision.Reason == gate.ReasonRejectTTLExpired {
		eventType = audit.EventLateReplyRejected
	}
	r.appendAudit(ctx, eventType, sessionID, promptID, map[string]any{
		"reason":   string(decision.Reason),
		"identity": reply.Identity,
	})

	// Late replies also close out the stale channel message.
	if decision.Reason == gate.ReasonRejectTTLExpired && rec != nil && rec.messageID != "" {
		if err := r.channel.EditPromptMessage(ctx, rec.messageID, "⏰ Expired — no reply accepted."); err != nil {
			slog.Warn("edit expired message failed", "error", err)
		}
	}

	msg := decision.Message
	if decision.NextActionHint != "" {
		msg = msg + " " + decision.NextActionHint
	}
	r.notifyIdentity(ctx, reply, msg)
}

// recordTrustGrant persists a workspace-trust grant for the session's
// working directory after an accepted folder-trust reply. The grant is
// gated by the workspace_trust_grant authority capability: a Core build
// injects the reply (the CLI tool records its own trust) but does not
// write to the supervisor's trust store.
func (r *Router) recordTrustGrant(ctx context.Context, reply channels.Reply, sess *session.Session) {
	if r.trustStore == nil || r.capabilities == nil {
		return
	}
	err := capability.RequireCapability(r.capabilities, r.edition, r.authorityMode, "workspace_trust_grant",
		func(id capability.ID, reason capability.ReasonCode) {
			r.appendAudit(ctx, audit.EventCapabilityDenied, sess.ID, "", map[string]any{
				"capability": string(id), "reason": string(reason),
			})
		})
	if err != nil {
		return
	}
	if err := r.trustStore.Grant(ctx, sess.Cwd, reply.Identity, reply.Channel, sess.ID); err != nil {
		slog.Warn("trust grant failed", "path", sess.Cwd, "error", err)
		return
	}
	r.appendAudit(ctx, audit.EventWorkspaceTrustChanged, sess.ID, "", map[string]any{
		"path": sess.Cwd, "trusted": true, "actor": reply.Identity,
	})
}

// notifyIdentity sends a short reject notice back to whoever wrote. It
// reuses Notify, which fans out; acceptable for the single-operator
// deployments this supervisor targets.
func (r *Router) notifyIdentity(ctx context.Context, reply channels.Reply, msg string) {
	if msg == "" {
		return
	}
	if err := r.channel.Notify(ctx, msg, reply.SessionID); err != nil {
		slog.Warn("reject notify failed", "error", err)
	}
}

// ConsumeReplies drains a merged reply stream until ctx is cancelled.
func (r *Router) ConsumeReplies(ctx context.Context, replies <-chan channels.Reply) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				return
			}
			r.HandleReply(ctx, reply)
		}
	}
}
