package router

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/capability"
	"github.com/abdulraoufatia/atlasbridge/internal/channels"
	"github.com/abdulraoufatia/atlasbridge/internal/convo"
	"github.com/abdulraoufatia/atlasbridge/internal/detector"
	"github.com/abdulraoufatia/atlasbridge/internal/policy"
	"github.com/abdulraoufatia/atlasbridge/internal/session"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
	"github.com/abdulraoufatia/atlasbridge/internal/trust"
)

// fakeFacade records channel traffic.
type fakeFacade struct {
	mu       sync.Mutex
	prompts  []channels.Prompt
	notices  []string
	edits    map[string]string
	allow    map[string]bool
	sendErr  error
	nextID   int
}

func newFakeFacade(allowed ...string) *fakeFacade {
	allow := make(map[string]bool)
	for _, a := range allowed {
		allow[a] = true
	}
	return &fakeFacade{edits: make(map[string]string), allow: allow}
}

func (f *fakeFacade) SendPrompt(ctx context.Context, p channels.Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.prompts = append(f.prompts, p)
	f.nextID++
	return fmt.Sprintf("telegram:%d", f.nextID), nil
}

func (f *fakeFacade) Notify(ctx context.Context, text, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeFacade) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = newText
	return nil
}

func (f *fakeFacade) IsAllowed(identity string) bool { return f.allow[identity] }

// fakeRuntime records injections; LastOutputTime jumps forward after every
// inject so verify-advance succeeds immediately.
type fakeRuntime struct {
	mu       sync.Mutex
	injected []string
	last     time.Time
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{last: time.Now()}
}

func (f *fakeRuntime) Inject(ctx context.Context, value, promptType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, value)
	f.last = time.Now().Add(10 * time.Second)
	return nil
}

func (f *fakeRuntime) LastOutputTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected)
}

type fixture struct {
	router  *Router
	facade  *fakeFacade
	runtime *fakeRuntime
	sess    *session.Session
	db      *store.DB
}

func defaultPolicy() *policy.Policy {
	return &policy.Policy{
		Name: "test", Version: "1",
		Defaults: policy.Defaults{NoMatch: policy.Action{Kind: policy.ActionRequireHuman}},
	}
}

func newFixture(t *testing.T, pol *policy.Policy) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	facade := newFakeFacade("telegram:42")
	sessions := session.NewManager()
	registry := convo.New()
	r := New(pol, Options{
		Sessions: sessions,
		Registry: registry,
		Channel:  facade,
		Audit:    audit.NewWriter(db),
		DB:       db,
	})

	sess := sessions.Create("claude", []string{"claude"}, "/work/repo", "demo")
	sess.SetStatus(session.StatusRunning)
	db.InsertSession(context.Background(), store.SessionRow{
		ID: sess.ID, Tool: sess.Tool, Argv: sess.Argv, Cwd: sess.Cwd,
		Status: "running", StartedAt: time.Now(), UpdatedAt: time.Now(),
	})
	rt := newFakeRuntime()
	r.RegisterSession(sess.ID, rt)
	registry.Bind("telegram", "42", sess.ID)
	registry.Transition("telegram", "42", convo.StateRunning)

	return &fixture{router: r, facade: facade, runtime: rt, sess: sess, db: db}
}

func newFixtureWithEdition(t *testing.T, pol *policy.Policy, edition capability.Edition, mode capability.AuthorityMode) *fixture {
	t.Helper()
	f := newFixture(t, pol)
	f.router.trustStore = trust.NewStore(f.db)
	f.router.capabilities = capability.Default()
	f.router.edition = edition
	f.router.authorityMode = mode
	return f
}

func promptEvent(sessionID string, ttl time.Duration) detector.PromptEvent {
	now := time.Now()
	return detector.PromptEvent{
		PromptID:   "prompt-1",
		SessionID:  sessionID,
		Type:       detector.PromptYesNo,
		Confidence: detector.ConfidenceHigh,
		Excerpt:    "Continue? [y/N]",
		Choices:    []string{"y", "n"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func reply(promptID, value, nonce string) channels.Reply {
	return channels.Reply{
		PromptID:   promptID,
		Value:      value,
		Nonce:      nonce,
		Identity:   "telegram:42",
		ThreadID:   "42",
		Channel:    "telegram",
		ReceivedAt: time.Now(),
	}
}

func auditTypes(t *testing.T, f *fixture) []string {
	t.Helper()
	events, err := audit.ListEvents(context.Background(), f.db.SQL(), "", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestYesNoHappyPath(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	ev := promptEvent(f.sess.ID, 5*time.Minute)

	f.router.HandlePrompt(ctx, ev)
	if len(f.facade.prompts) != 1 {
		t.Fatalf("want 1 channel prompt, got %d", len(f.facade.prompts))
	}
	if f.sess.ActivePromptID != ev.PromptID {
		t.Fatal("active prompt not set")
	}

	f.router.HandleReply(ctx, reply(ev.PromptID, "y", "nonce-1"))

	if f.runtime.count() != 1 || f.runtime.injected[0] != "y" {
		t.Fatalf("injections = %v, want [y]", f.runtime.injected)
	}
	if f.sess.HasActivePrompt() {
		t.Fatal("prompt not cleared after resolve")
	}
	edited := false
	for _, text := range f.facade.edits {
		if strings.Contains(text, "Answered") && strings.Contains(text, "'y'") {
			edited = true
		}
	}
	if !edited {
		t.Fatalf("channel message not edited with the answer: %v", f.facade.edits)
	}

	types := auditTypes(t, f)
	want := []string{
		audit.EventPromptDetected, audit.EventPromptRouted,
		audit.EventChannelMessageAccepted, audit.EventReplyReceived,
		audit.EventResponseInjected,
	}
	for _, w := range want {
		found := false
		for _, got := range types {
			if got == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing audit event %s (have %v)", w, types)
		}
	}
}

func TestExpiredReplyRejected(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	ev := promptEvent(f.sess.ID, 50*time.Millisecond)
	f.router.HandlePrompt(ctx, ev)
	time.Sleep(80 * time.Millisecond)

	f.router.HandleReply(ctx, reply(ev.PromptID, "y", "nonce-late"))

	if f.runtime.count() != 0 {
		t.Fatalf("expired reply was injected: %v", f.runtime.injected)
	}
	types := auditTypes(t, f)
	found := false
	for _, ty := range types {
		if ty == audit.EventLateReplyRejected {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing late_reply_rejected (have %v)", types)
	}
	edited := false
	for _, text := range f.facade.edits {
		if strings.Contains(text, "Expired") {
			edited = true
		}
	}
	if !edited {
		t.Fatal("channel message not edited to show expiry")
	}
}

func TestNonceReplayIgnored(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	ev := promptEvent(f.sess.ID, 5*time.Minute)
	f.router.HandlePrompt(ctx, ev)

	f.router.HandleReply(ctx, reply(ev.PromptID, "y", "nonce-1"))
	f.router.HandleReply(ctx, reply(ev.PromptID, "y", "nonce-1"))
	// A different nonce after acceptance is still a duplicate.
	f.router.HandleReply(ctx, reply(ev.PromptID, "n", "nonce-2"))

	if f.runtime.count() != 1 {
		t.Fatalf("replayed reply reached the PTY: %v", f.runtime.injected)
	}
	dups := 0
	for _, ty := range auditTypes(t, f) {
		if ty == audit.EventDuplicateCallback {
			dups++
		}
	}
	if dups != 2 {
		t.Fatalf("duplicate_callback_ignored count = %d, want 2", dups)
	}
}

func TestGateRejectsPasswordReply(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	now := time.Now()
	ev := detector.PromptEvent{
		PromptID:   "prompt-pw",
		SessionID:  f.sess.ID,
		Type:       detector.PromptFreeText,
		Confidence: detector.ConfidenceMedium,
		Excerpt:    "Password:",
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
	f.router.HandlePrompt(ctx, ev)

	f.router.HandleReply(ctx, reply(ev.PromptID, "hunter2", "nonce-pw"))

	if f.runtime.count() != 0 {
		t.Fatalf("password reached the PTY: %v", f.runtime.injected)
	}
	// The reject notice tells the human to type locally.
	instructed := false
	for _, n := range f.facade.notices {
		if strings.Contains(strings.ToLower(n), "locally") {
			instructed = true
		}
	}
	if !instructed {
		t.Fatalf("no type-locally instruction in %v", f.facade.notices)
	}
	// The value never appears in any audit payload.
	events, _ := audit.ListEvents(ctx, f.db.SQL(), "", 100)
	for _, e := range events {
		for _, v := range e.Payload {
			if s, ok := v.(string); ok && strings.Contains(s, "hunter2") {
				t.Fatalf("password leaked into audit payload: %v", e.Payload)
			}
		}
	}
}

func TestPolicyAutoReply(t *testing.T) {
	pol := &policy.Policy{
		Name: "auto", Version: "1", Hash: "cafe0123cafe0123",
		Rules: []policy.Rule{{
			ID: "auto-continue",
			Match: policy.MatchCriteria{
				PromptType: []string{"yes_no"},
				Contains:   "Continue",
			},
			Action: policy.Action{Kind: policy.ActionAutoReply, Value: "y"},
		}},
		Defaults: policy.Defaults{NoMatch: policy.Action{Kind: policy.ActionRequireHuman}},
	}
	f := newFixture(t, pol)
	ctx := context.Background()

	f.router.HandlePrompt(ctx, promptEvent(f.sess.ID, 5*time.Minute))

	if len(f.facade.prompts) != 0 {
		t.Fatal("auto-reply still sent a channel prompt")
	}
	if f.runtime.count() != 1 || f.runtime.injected[0] != "y" {
		t.Fatalf("auto-reply injections = %v, want [y]", f.runtime.injected)
	}
}

func TestMaxAutoRepliesDowngradesToHuman(t *testing.T) {
	pol := &policy.Policy{
		Name: "capped", Version: "1",
		Rules: []policy.Rule{{
			ID:             "auto-once",
			Match:          policy.MatchCriteria{PromptType: []string{"yes_no"}},
			Action:         policy.Action{Kind: policy.ActionAutoReply, Value: "y"},
			MaxAutoReplies: 1,
		}},
		Defaults: policy.Defaults{NoMatch: policy.Action{Kind: policy.ActionRequireHuman}},
	}
	f := newFixture(t, pol)
	ctx := context.Background()

	ev1 := promptEvent(f.sess.ID, 5*time.Minute)
	f.router.HandlePrompt(ctx, ev1)
	ev2 := promptEvent(f.sess.ID, 5*time.Minute)
	ev2.PromptID = "prompt-2"
	f.router.HandlePrompt(ctx, ev2)

	if f.runtime.count() != 1 {
		t.Fatalf("injection count = %d, want 1 (cap reached)", f.runtime.count())
	}
	if len(f.facade.prompts) != 1 {
		t.Fatalf("second prompt should have gone to the human, got %d channel sends", len(f.facade.prompts))
	}
}

func TestQueuedPromptDispatchedAfterResolve(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()

	ev1 := promptEvent(f.sess.ID, 5*time.Minute)
	f.router.HandlePrompt(ctx, ev1)
	ev2 := promptEvent(f.sess.ID, 5*time.Minute)
	ev2.PromptID = "prompt-2"
	f.router.HandlePrompt(ctx, ev2)

	if len(f.facade.prompts) != 1 {
		t.Fatalf("second prompt dispatched while first active: %d sends", len(f.facade.prompts))
	}

	f.router.HandleReply(ctx, reply(ev1.PromptID, "y", "nonce-1"))

	if len(f.facade.prompts) != 2 {
		t.Fatalf("queued prompt not dispatched after resolve: %d sends", len(f.facade.prompts))
	}
	if f.sess.ActivePromptID != "prompt-2" {
		t.Fatalf("active prompt = %q, want prompt-2", f.sess.ActivePromptID)
	}
}

func TestIdentityNotAllowlisted(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	ev := promptEvent(f.sess.ID, 5*time.Minute)
	f.router.HandlePrompt(ctx, ev)

	bad := reply(ev.PromptID, "y", "nonce-x")
	bad.Identity = "telegram:9999"
	f.router.HandleReply(ctx, bad)

	if f.runtime.count() != 0 {
		t.Fatal("non-allowlisted identity injected a reply")
	}
}

func folderTrustEvent(sessionID string) detector.PromptEvent {
	now := time.Now()
	return detector.PromptEvent{
		PromptID:   "prompt-trust",
		SessionID:  sessionID,
		Type:       detector.PromptMultiChoice,
		Confidence: detector.ConfidenceHigh,
		Excerpt:    "Do you trust the files in this folder?\n1. Yes, proceed\n2. No, exit",
		Choices:    []string{"Yes, proceed", "No, exit"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
}

func TestFolderTrustGrantGatedByEdition(t *testing.T) {
	ctx := context.Background()

	// Core edition: the reply is injected but the trust store is untouched
	// and a capability_denied event is recorded.
	core := newFixtureWithEdition(t, defaultPolicy(), capability.EditionCore, capability.AuthorityModeReadOnly)
	core.router.HandlePrompt(ctx, folderTrustEvent(core.sess.ID))
	core.router.HandleReply(ctx, reply("prompt-trust", "1", "nonce-t1"))
	if core.runtime.count() != 1 {
		t.Fatalf("trust reply not injected: %v", core.runtime.injected)
	}
	if trusted, _ := trust.NewStore(core.db).GetTrust(ctx, core.sess.Cwd); trusted {
		t.Fatal("core edition persisted a trust grant")
	}
	denied := false
	for _, ty := range auditTypes(t, core) {
		if ty == audit.EventCapabilityDenied {
			denied = true
		}
	}
	if !denied {
		t.Fatal("missing capability_denied audit event")
	}

	// Enterprise + write_enabled: the grant persists.
	ent := newFixtureWithEdition(t, defaultPolicy(), capability.EditionEnterprise, capability.AuthorityModeWriteEnabled)
	ent.router.HandlePrompt(ctx, folderTrustEvent(ent.sess.ID))
	ent.router.HandleReply(ctx, reply("prompt-trust", "1", "nonce-t2"))
	if trusted, _ := trust.NewStore(ent.db).GetTrust(ctx, ent.sess.Cwd); !trusted {
		t.Fatal("enterprise edition did not persist the trust grant")
	}
}

func TestSweepExpiresPrompts(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	ctx := context.Background()
	ev := promptEvent(f.sess.ID, 10*time.Millisecond)
	f.router.HandlePrompt(ctx, ev)
	time.Sleep(30 * time.Millisecond)

	f.router.SweepExpired(ctx)

	if f.sess.HasActivePrompt() {
		t.Fatal("expired prompt still active after sweep")
	}
	found := false
	for _, ty := range auditTypes(t, f) {
		if ty == audit.EventPromptExpired {
			found = true
		}
	}
	if !found {
		t.Fatal("missing prompt_expired audit event")
	}

	// Sweeping again must not double-expire.
	before := len(auditTypes(t, f))
	f.router.SweepExpired(ctx)
	if len(auditTypes(t, f)) != before {
		t.Fatal("second sweep re-expired a terminal prompt")
	}
}
