package ptysup

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *recordingSink) HandleChunk(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingSink) all() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, c := range r.chunks {
		sb.Write(c)
	}
	return sb.String()
}

type countingMarker struct {
	mu    sync.Mutex
	count int
}

func (m *countingMarker) MarkInjected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
}

func (m *countingMarker) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func TestStartReadWriteAndExit(t *testing.T) {
	sink := &recordingSink{}
	marker := &countingMarker{}

	sup, err := Start(context.Background(), Options{
		Argv:    []string{"/bin/cat"},
		Sink:    sink,
		Marker:  marker,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.PID() == 0 {
		t.Fatal("expected non-zero pid")
	}

	if err := sup.Inject([]byte("hello\r")); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if strings.Contains(sink.all(), "hello") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed output")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if marker.calls() != 1 {
		t.Fatalf("expected exactly 1 MarkInjected call, got %d", marker.calls())
	}

	if err := sup.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-sup.Done()
	if sup.IsAlive() {
		t.Fatal("expected not alive after Stop")
	}
}

func TestSilenceCheckerPolledPeriodically(t *testing.T) {
	calls := make(chan struct{}, 8)
	checker := silenceFunc(func(now time.Time, alive bool) {
		select {
		case calls <- struct{}{}:
		default:
		}
	})

	sup, err := Start(context.Background(), Options{
		Argv:    []string{"/bin/sleep", "5"},
		Silence: checker,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(time.Second)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one silence check within 2s")
	}
}

type silenceFunc func(now time.Time, alive bool)

func (f silenceFunc) CheckSilence(now time.Time, alive bool) { f(now, alive) }
