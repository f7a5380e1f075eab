package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeChannel records calls and can be told to fail sends.
type fakeChannel struct {
	BaseChannel
	mu       sync.Mutex
	fail     bool
	sent     []Prompt
	notified []string
	edits    map[string]string
}

func newFake(name string, allow []string) *fakeChannel {
	return &fakeChannel{
		BaseChannel: NewBaseChannel(name, allow),
		edits:       make(map[string]string),
	}
}

func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { return nil }

func (f *fakeChannel) SendPrompt(ctx context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("send failed")
	}
	f.sent = append(f.sent, p)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeChannel) Notify(ctx context.Context, text, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("notify failed")
	}
	f.notified = append(f.notified, text)
	return nil
}

func (f *fakeChannel) SendOutput(ctx context.Context, text, sessionID string) error {
	return f.Notify(ctx, text, sessionID)
}

func (f *fakeChannel) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = newText
	return nil
}

func TestMultiPrefixesMessageIDs(t *testing.T) {
	a := newFake("telegram", []string{"1"})
	b := newFake("slack", []string{"U1"})
	m := NewMulti(a, b)

	id, err := m.SendPrompt(context.Background(), Prompt{PromptID: "p1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	name, _, ok := strings.Cut(id, ":")
	if !ok || (name != "telegram" && name != "slack") {
		t.Fatalf("message id %q lacks a channel prefix", id)
	}
	// Both backends were fanned out to.
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("fan-out incomplete: telegram=%d slack=%d", len(a.sent), len(b.sent))
	}
}

func TestMultiEditDispatchesByPrefix(t *testing.T) {
	a := newFake("telegram", nil)
	b := newFake("slack", nil)
	m := NewMulti(a, b)

	if err := m.EditPromptMessage(context.Background(), "slack:chan/123.45", "done"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if b.edits["chan/123.45"] != "done" {
		t.Fatalf("slack edit missing: %v", b.edits)
	}
	if len(a.edits) != 0 {
		t.Fatal("telegram received an edit meant for slack")
	}
	if err := m.EditPromptMessage(context.Background(), "noprefix", "x"); err == nil {
		t.Fatal("unprefixed id accepted")
	}
}

func TestMultiSurvivesOneBackendFailing(t *testing.T) {
	a := newFake("telegram", nil)
	a.fail = true
	b := newFake("slack", nil)
	m := NewMulti(a, b)

	id, err := m.SendPrompt(context.Background(), Prompt{PromptID: "p1"})
	if err != nil {
		t.Fatalf("send should succeed via the healthy backend: %v", err)
	}
	if !strings.HasPrefix(id, "slack:") {
		t.Fatalf("id %q should come from slack", id)
	}
	if err := m.Notify(context.Background(), "hi", ""); err != nil {
		t.Fatalf("notify should tolerate one failure: %v", err)
	}
}

func TestMultiBreakerOpensAfterFailures(t *testing.T) {
	a := newFake("telegram", nil)
	a.fail = true
	m := NewMulti(a)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.SendPrompt(ctx, Prompt{})
	}
	if m.BreakerState("telegram") != "open" {
		t.Fatalf("breaker state = %s, want open after 3 consecutive failures", m.BreakerState("telegram"))
	}
	// While open, the backend is not even attempted.
	before := len(a.sent)
	a.fail = false
	m.SendPrompt(ctx, Prompt{})
	if len(a.sent) != before {
		t.Fatal("open breaker allowed a send before recovery")
	}
}

func TestMultiMergesReplyStreams(t *testing.T) {
	a := newFake("telegram", nil)
	b := newFake("slack", nil)
	m := NewMulti(a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	a.Deliver(Reply{Channel: "telegram", Value: "one"})
	b.Deliver(Reply{Channel: "slack", Value: "two"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-m.Replies():
			got[r.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for merged replies")
		}
	}
	if !got["telegram"] || !got["slack"] {
		t.Fatalf("missing channels in merge: %v", got)
	}
}

func TestMultiIsAllowedRoutesByChannel(t *testing.T) {
	a := newFake("telegram", []string{"42"})
	b := newFake("slack", []string{"U7"})
	m := NewMulti(a, b)

	cases := []struct {
		identity string
		want     bool
	}{
		{"telegram:42", true},
		{"telegram:43", false},
		{"slack:U7", true},
		{"slack:42", false}, // the telegram entry must not leak across channels
	}
	for _, tc := range cases {
		if got := m.IsAllowed(tc.identity); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.identity, got, tc.want)
		}
	}
}

func TestBaseAllowlistCompoundIDs(t *testing.T) {
	b := NewBaseChannel("telegram", []string{"42|alice", "@bob"})
	cases := []struct {
		identity string
		want     bool
	}{
		{"telegram:42", true},
		{"telegram:99|alice", true},
		{"telegram:99|bob", true},
		{"telegram:99", false},
		{"telegram:", false},
	}
	for _, tc := range cases {
		if got := b.IsAllowed(tc.identity); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.identity, got, tc.want)
		}
	}
}
