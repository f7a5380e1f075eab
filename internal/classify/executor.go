package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
)

// echoWindow mirrors the detector's injection echo-suppression window; the
// executor must wait at least this long before the silence check is
// meaningful again.
const echoWindow = 500 * time.Millisecond

// Injector writes a reply to a session's PTY stdin. Implementations are
// expected to append "\r" (never "\n") -- the
// executor passes the raw value and lets the adapter apply per-tool
// normalization (§6 "Adapters").
type Injector interface {
	Inject(ctx context.Context, value string, promptType string) error
}

// OutputClock exposes the session's last-output timestamp so the executor
// can detect whether the CLI advanced after an injection.
type OutputClock interface {
	LastOutputTime() time.Time
}

// Notifier delivers feedback text back to the channel/operator.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Result is returned by Execute.
type Result struct {
	Escalated bool
	Feedback  string
}

// Executor runs the inject/verify/retry/escalate loop described in §4.3.
type Executor struct {
	Injector Injector
	Clock    OutputClock
	Notifier Notifier
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewExecutor builds an Executor with real time sources.
func NewExecutor(injector Injector, clock OutputClock, notifier Notifier) *Executor {
	return &Executor{
		Injector: injector,
		Clock:    clock,
		Notifier: notifier,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// WithClockFunc and WithSleepFunc let tests substitute deterministic timing.
func (e *Executor) WithClockFunc(now func() time.Time) *Executor {
	e.now = now
	return e
}

func (e *Executor) WithSleepFunc(sleep func(time.Duration)) *Executor {
	e.sleep = sleep
	return e
}

// Execute injects value according to plan, verifying CLI advance and
// retrying/escalating on stall. promptType is the detector's raw type
// string, passed through to the adapter for per-tool normalization.
func (e *Executor) Execute(ctx context.Context, class InteractionClass, plan Plan, value string, promptType string) Result {
	attempt := 0
	for {
		snapshot := e.Clock.LastOutputTime()
		if err := e.Injector.Inject(ctx, value, promptType); err != nil {
			return e.escalate(ctx, plan, value, fmt.Sprintf("injection failed: %v", err))
		}

		if !plan.VerifyAdvance {
			return Result{Feedback: e.feedback(plan, value)}
		}

		if e.waitForAdvance(ctx, snapshot, plan.AdvanceTimeout) {
			return Result{Feedback: e.feedback(plan, value)}
		}

		if attempt < plan.MaxRetries {
			attempt++
			if e.Notifier != nil && plan.RetryingTemplate != "" {
				e.Notifier.Notify(ctx, plan.RetryingTemplate)
			}
			e.sleep(plan.RetryDelay)
			continue
		}

		if plan.EscalateOnExhaustion {
			return e.escalate(ctx, plan, value, plan.EscalateTemplate)
		}
		return Result{Feedback: e.feedback(plan, value)}
	}
}

func (e *Executor) escalate(ctx context.Context, plan Plan, value, msg string) Result {
	if e.Notifier != nil {
		if msg == "" {
			msg = "Please respond locally."
		}
		e.Notifier.Notify(ctx, msg)
	}
	return Result{Escalated: true, Feedback: msg}
}

func (e *Executor) waitForAdvance(ctx context.Context, snapshot time.Time, timeout time.Duration) bool {
	deadline := e.now().Add(timeout)
	threshold := snapshot.Add(echoWindow)
	for {
		if e.Clock.LastOutputTime().After(threshold) {
			return true
		}
		if e.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
		e.sleep(200 * time.Millisecond)
	}
}

func (e *Executor) feedback(plan Plan, value string) string {
	if plan.FeedbackTemplate == "" {
		return ""
	}
	if !strings.Contains(plan.FeedbackTemplate, "%s") {
		return plan.FeedbackTemplate
	}
	shown := value
	if plan.SuppressValue {
		shown = redact.Redacted
	}
	return fmt.Sprintf(plan.FeedbackTemplate, shown)
}

// ChatInput bypasses the classifier entirely: writes value+"\r" and marks
// injected, with no verification or retries (§4.3 "Chat-input path").
func ChatInput(ctx context.Context, injector Injector, value string) error {
	return injector.Inject(ctx, value, "chat_input")
}
