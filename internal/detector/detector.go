package detector

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulraoufatia/atlasbridge/internal/sanitize"
)

const (
	// echoWindow is the 500ms echo-suppression window opened after every
	// injection (§4.1 "Injection gate").
	echoWindow = 500 * time.Millisecond

	// medBufferDelay is how long a MED signal not confirmed by a
	// TTY-blocked poll waits before routing, per §4.2 "Routing of
	// confidences".
	medBufferDelay = 1 * time.Second

	// tailWindow bounds the pattern-match window to the last ~2000 bytes.
	tailWindow = 2000

	defaultSilenceThreshold = 3 * time.Second
	defaultTTL              = 300 * time.Second
)

// Detector runs the tri-signal inference for one session's output stream.
// It implements ptysup.OutputSink, ptysup.SilenceChecker and
// ptysup.InjectMarker so a *ptysup.Supervisor can drive it directly.
type Detector struct {
	sessionID string
	clock     func() time.Time
	sink      EventSink

	silenceThreshold time.Duration
	ttl              time.Duration

	mu             sync.Mutex
	buffer         []byte
	lastOutputTime time.Time
	echoUntil      time.Time
	ttyBlocked     bool
	lastEventAt    time.Time // de-dupes repeated emission from the same buffer state
	medTimer       *time.Timer
	resolved       bool // set once an active prompt is awaiting reply, to stop re-silence-firing
}

// Option configures a Detector at construction.
type Option func(*Detector)

// WithClock overrides the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// WithSilenceThreshold overrides the default 3s silence fallback delay.
func WithSilenceThreshold(d time.Duration) Option {
	return func(det *Detector) { det.silenceThreshold = d }
}

// WithTTL overrides the default 300s prompt expiry.
func WithTTL(ttl time.Duration) Option {
	return func(det *Detector) { det.ttl = ttl }
}

// New creates a Detector for one session, delivering events to sink.
func New(sessionID string, sink EventSink, opts ...Option) *Detector {
	d := &Detector{
		sessionID:        sessionID,
		clock:            time.Now,
		sink:             sink,
		silenceThreshold: defaultSilenceThreshold,
		ttl:              defaultTTL,
	}
	for _, o := range opts {
		o(d)
	}
	d.lastOutputTime = d.clock()
	return d
}

// HandleChunk implements ptysup.OutputSink. It appends raw bytes to the
// rolling buffer, updates last-output-time, and runs signal 1 (pattern
// match) plus signal 2 bookkeeping.
func (d *Detector) HandleChunk(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	d.lastOutputTime = now
	d.resolved = false
	d.buffer = append(d.buffer, chunk...)
	if len(d.buffer) > tailWindow*4 {
		d.buffer = d.buffer[len(d.buffer)-tailWindow*4:]
	}

	if d.inEchoWindowLocked(now) {
		return
	}

	d.evaluatePatternLocked(now)
}

// MarkInjected implements ptysup.InjectMarker: opens the 500ms echo
// suppression window and cancels any buffered MED event,
// since the upcoming echoed text must not re-trigger it.
func (d *Detector) MarkInjected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.echoUntil = d.clock().Add(echoWindow)
	d.cancelMedTimerLocked()
	d.resolved = true
}

// ObserveTTYBlocked is signal 2: externally supplied per poll, reporting
// whether the OS says the child is blocked on stdin.
func (d *Detector) ObserveTTYBlocked(blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ttyBlocked = blocked

	now := d.clock()
	if d.inEchoWindowLocked(now) || d.resolved {
		return
	}
	if !blocked {
		return
	}
	// If no pattern already matched (evaluatePatternLocked returns without
	// emitting when nothing matches), treat this as a MED free-text event.
	if matched, _, _ := d.classifyPatternLocked(); !matched {
		d.emitLocked(PromptEvent{
			Type:       PromptFreeText,
			Confidence: ConfidenceMedium,
			Excerpt:    d.excerptLocked(),
		}, now, true)
	}
}

// CheckSilence implements ptysup.SilenceChecker: signal 3, the silence
// fallback. Called roughly once a second by the stall watchdog.
func (d *Detector) CheckSilence(now time.Time, alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !alive || d.resolved {
		return
	}
	if d.inEchoWindowLocked(now) {
		return
	}
	if now.Sub(d.lastOutputTime) < d.silenceThreshold {
		return
	}
	// Don't refire for the same silent state repeatedly within one TTL.
	if !d.lastEventAt.IsZero() && now.Sub(d.lastEventAt) < d.silenceThreshold {
		return
	}
	d.emitLocked(PromptEvent{
		Type:       PromptFreeText,
		Confidence: ConfidenceLow,
		Excerpt:    d.excerptLocked(),
		Ambiguous:  true,
	}, now, true)
}

func (d *Detector) inEchoWindowLocked(now time.Time) bool {
	return now.Before(d.echoUntil)
}

func (d *Detector) excerptLocked() string {
	clean := sanitize.Clean(sanitize.Tail(d.buffer, tailWindow))
	return truncateExcerpt(string(clean))
}

// classifyPatternLocked runs the four pattern families against the
// cleaned tail and reports whether any matched.
func (d *Detector) classifyPatternLocked() (matched bool, pt PromptType, ev PromptEvent) {
	clean := string(sanitize.Clean(sanitize.Tail(d.buffer, tailWindow)))
	excerpt := truncateExcerpt(clean)

	if ok, choices := matchYesNo(clean); ok {
		return true, PromptYesNo, PromptEvent{Type: PromptYesNo, Confidence: ConfidenceHigh, Choices: choices, Excerpt: excerpt}
	}
	if matchConfirmEnter(clean) {
		return true, PromptConfirmEnter, PromptEvent{Type: PromptConfirmEnter, Confidence: ConfidenceHigh, Choices: []string{"\n"}, Excerpt: excerpt}
	}
	if ok, choices := matchFolderTrust(clean); ok {
		return true, PromptMultiChoice, PromptEvent{Type: PromptMultiChoice, Confidence: ConfidenceHigh, Choices: choices, Excerpt: excerpt}
	}
	if ok, choices := matchNumberedChoice(clean); ok {
		return true, PromptMultiChoice, PromptEvent{Type: PromptMultiChoice, Confidence: ConfidenceHigh, Choices: choices, Excerpt: excerpt}
	}
	if ok, choices := matchLetterChoice(clean); ok {
		return true, PromptMultiChoice, PromptEvent{Type: PromptMultiChoice, Confidence: ConfidenceHigh, Choices: choices, Excerpt: excerpt}
	}
	if matchFreeText(clean) {
		return true, PromptFreeText, PromptEvent{Type: PromptFreeText, Confidence: ConfidenceMedium, Excerpt: excerpt}
	}
	return false, "", PromptEvent{}
}

func (d *Detector) evaluatePatternLocked(now time.Time) {
	matched, _, ev := d.classifyPatternLocked()
	if !matched {
		return
	}
	switch ev.Confidence {
	case ConfidenceHigh:
		d.cancelMedTimerLocked()
		d.emitLocked(ev, now, true)
	case ConfidenceMedium:
		if d.ttyBlocked {
			d.emitLocked(ev, now, true)
			return
		}
		d.bufferMedLocked(ev)
	}
}

// bufferMedLocked schedules a MED event to route after medBufferDelay
// unless superseded by a HIGH match or cancelled by an injection first.
func (d *Detector) bufferMedLocked(ev PromptEvent) {
	d.cancelMedTimerLocked()
	ev.PromptID = uuid.NewString()
	ev.SessionID = d.sessionID
	d.medTimer = time.AfterFunc(medBufferDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		now := d.clock()
		if d.inEchoWindowLocked(now) || d.resolved {
			return
		}
		d.deliverLocked(ev, now)
	})
}

func (d *Detector) cancelMedTimerLocked() {
	if d.medTimer != nil {
		d.medTimer.Stop()
		d.medTimer = nil
	}
}

// emitLocked stamps identity/timestamps and delivers immediately.
func (d *Detector) emitLocked(ev PromptEvent, now time.Time, immediate bool) {
	ev.PromptID = uuid.NewString()
	ev.SessionID = d.sessionID
	d.deliverLocked(ev, now)
}

func (d *Detector) deliverLocked(ev PromptEvent, now time.Time) {
	ev.CreatedAt = now
	ev.ExpiresAt = now.Add(d.ttl)
	d.lastEventAt = now
	d.resolved = true
	if d.sink != nil {
		d.sink.PromptDetected(ev)
	}
}
