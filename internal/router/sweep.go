package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
)

// DefaultSweepSchedule fires the TTL sweep every minute.
const DefaultSweepSchedule = "* * * * *"

// RunTTLSweep expires overdue prompts on a cron schedule until ctx is
// cancelled. The schedule is a standard five-field cron expression; the
// sweep also runs once immediately at startup to catch prompts left over
// from a previous process (§5 "Cancellation and timeouts").
func (r *Router) RunTTLSweep(ctx context.Context, schedule string) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		slog.Error("invalid sweep schedule, using default", "schedule", schedule)
		schedule = DefaultSweepSchedule
	}

	r.SweepExpired(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(schedule, now)
			if err != nil || !due {
				continue
			}
			r.SweepExpired(ctx)
			// One firing per due minute.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(now.Truncate(time.Minute).Add(time.Minute))):
			}
		}
	}
}

// SweepExpired expires every overdue live prompt: channel message edited,
// audit event appended, session queue drained.
func (r *Router) SweepExpired(ctx context.Context) {
	now := time.Now()
	for _, rec := range r.prompts.snapshot() {
		if now.Before(rec.event.ExpiresAt) || isTerminal(rec.state) {
			continue
		}
		r.expireRecord(ctx, rec)
	}
}

func (r *Router) expireRecord(ctx context.Context, rec *promptRec) {
	ev := rec.event
	r.appendAudit(ctx, audit.EventPromptExpired, ev.SessionID, ev.PromptID, map[string]any{
		"prompt_type": string(ev.Type),
		"expired_at":  ev.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if rec.messageID != "" {
		if err := r.channel.EditPromptMessage(ctx, rec.messageID, "⏰ Expired — no reply accepted."); err != nil {
			slog.Warn("edit expired message failed", "error", err)
		}
	}
	r.updatePromptRow(ctx, ev.PromptID, StateExpired)
	r.resolvePrompt(ctx, ev.PromptID, StateExpired)
}
