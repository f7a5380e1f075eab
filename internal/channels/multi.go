package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/breaker"
)

// MultiChannel fans forward operations out to every configured backend in
// parallel, merges their reply streams, and prefixes message IDs as
// "{channel}:{inner_id}" so later edits dispatch to the right backend.
// Each backend's sends are guarded by its own circuit breaker (§4.11).
type MultiChannel struct {
	channels []Channel
	breakers map[string]*breaker.Breaker
	merged   chan Reply

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMulti builds a MultiChannel over the given backends.
func NewMulti(chs ...Channel) *MultiChannel {
	m := &MultiChannel{
		channels: chs,
		breakers: make(map[string]*breaker.Breaker, len(chs)),
		merged:   make(chan Reply, replyBuffer),
	}
	for _, ch := range chs {
		m.breakers[ch.Name()] = breaker.New(3, 30*time.Second)
	}
	return m
}

// Channels returns the configured backends.
func (m *MultiChannel) Channels() []Channel { return m.channels }

// Name identifies the merged facade.
func (m *MultiChannel) Name() string { return "multi" }

// Start starts every backend and the merge pumps.
func (m *MultiChannel) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, ch := range m.channels {
		if err := ch.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start %s channel: %w", ch.Name(), err)
		}
		m.wg.Add(1)
		go m.pump(runCtx, ch)
	}
	m.started = true
	return nil
}

func (m *MultiChannel) pump(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch.Replies():
			if !ok {
				return
			}
			select {
			case m.merged <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop stops every backend and waits for the merge pumps.
func (m *MultiChannel) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.started = false
	return firstErr
}

// Replies returns the merged inbound stream.
func (m *MultiChannel) Replies() <-chan Reply { return m.merged }

// IsAllowed accepts an identity if any backend's allowlist accepts it.
// Identities are "channel:user_id", so only the owning backend matches.
func (m *MultiChannel) IsAllowed(identity string) bool {
	name, _, ok := strings.Cut(identity, ":")
	for _, ch := range m.channels {
		if ok && ch.Name() != name {
			continue
		}
		if ch.IsAllowed(identity) {
			return true
		}
	}
	return false
}

// guarded runs one backend send through its breaker.
func (m *MultiChannel) guarded(ch Channel, send func() error) error {
	br := m.breakers[ch.Name()]
	if br != nil {
		if err := br.Allow(); err != nil {
			return err
		}
	}
	err := send()
	if br != nil {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}
	return err
}

// SendPrompt fans out in parallel; the returned ID is the first successful
// backend's, prefixed with its channel name. Fails only when every backend
// fails.
func (m *MultiChannel) SendPrompt(ctx context.Context, p Prompt) (string, error) {
	type result struct {
		id  string
		err error
	}
	results := make([]result, len(m.channels))
	var wg sync.WaitGroup
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			err := m.guarded(ch, func() error {
				id, err := ch.SendPrompt(ctx, p)
				if err == nil {
					results[i].id = ch.Name() + ":" + id
				}
				return err
			})
			results[i].err = err
		}(i, ch)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.err == nil && r.id != "" {
			return r.id, nil
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if len(errs) == 0 {
		return "", errors.New("no channel accepted the prompt")
	}
	return "", errors.Join(errs...)
}

// Notify fans the notification out to every backend.
func (m *MultiChannel) Notify(ctx context.Context, text, sessionID string) error {
	return m.fanOut(func(ch Channel) error {
		return ch.Notify(ctx, text, sessionID)
	})
}

// SendOutput fans batched session output out to every backend.
func (m *MultiChannel) SendOutput(ctx context.Context, text, sessionID string) error {
	return m.fanOut(func(ch Channel) error {
		return ch.SendOutput(ctx, text, sessionID)
	})
}

func (m *MultiChannel) fanOut(send func(Channel) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.channels))
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = m.guarded(ch, func() error { return send(ch) })
		}(i, ch)
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			slog.Warn("channel send failed", "channel", m.channels[i].Name(), "error", err)
		}
	}
	if failed == len(m.channels) && failed > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EditPromptMessage dispatches by the "{channel}:" prefix recorded at send
// time.
func (m *MultiChannel) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	name, inner, ok := strings.Cut(messageID, ":")
	if !ok {
		return fmt.Errorf("message id %q has no channel prefix", messageID)
	}
	for _, ch := range m.channels {
		if ch.Name() == name {
			return m.guarded(ch, func() error {
				return ch.EditPromptMessage(ctx, inner, newText)
			})
		}
	}
	return fmt.Errorf("no channel named %q", name)
}

// BreakerState exposes a backend's breaker state for status reporting.
func (m *MultiChannel) BreakerState(name string) breaker.State {
	if br, ok := m.breakers[name]; ok {
		return br.State()
	}
	return breaker.StateClosed
}
