package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdulraoufatia/atlasbridge/internal/sanitize"
)

const (
	forwardInterval  = 2 * time.Second
	forwardMinChars  = 10
	forwardMaxChars  = 2000
	forwardPerMinute = 15
)

// OutputSender is the slice of Channel the forwarder needs.
type OutputSender interface {
	SendOutput(ctx context.Context, text, sessionID string) error
}

// Forwarder batches sanitized session output to channels every two
// seconds: batches under forwardMinChars of meaningful text are dropped,
// oversized batches truncated, and sends rate-limited per session (§5
// "Per session").
type Forwarder struct {
	sender    OutputSender
	sessionID string
	limiter   *rate.Limiter

	mu  sync.Mutex
	buf strings.Builder
}

// NewForwarder builds a Forwarder for one session.
func NewForwarder(sender OutputSender, sessionID string) *Forwarder {
	return &Forwarder{
		sender:    sender,
		sessionID: sessionID,
		limiter:   rate.NewLimiter(rate.Limit(float64(forwardPerMinute)/60.0), forwardPerMinute),
	}
}

// Add appends raw PTY output to the pending batch. Sanitizing happens at
// flush so carriage-return rebuilds see whole lines.
func (f *Forwarder) Add(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Write(chunk)
	// Bound memory between flushes.
	if f.buf.Len() > 64*1024 {
		s := f.buf.String()
		f.buf.Reset()
		f.buf.WriteString(s[len(s)-32*1024:])
	}
}

// Run flushes on the forward interval until ctx is cancelled, then flushes
// once more on the way out.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(forwardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Forwarder) flush(ctx context.Context) {
	f.mu.Lock()
	raw := f.buf.String()
	f.buf.Reset()
	f.mu.Unlock()

	if raw == "" {
		return
	}
	text := strings.TrimSpace(string(sanitize.Clean([]byte(raw))))
	if meaningfulLen(text) < forwardMinChars {
		return
	}
	if len(text) > forwardMaxChars {
		text = text[:forwardMaxChars]
	}
	if !f.limiter.Allow() {
		return
	}
	f.sender.SendOutput(ctx, text, f.sessionID)
}

func meaningfulLen(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\r\n", r) {
			n++
		}
	}
	return n
}
