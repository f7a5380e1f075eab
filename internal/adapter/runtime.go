package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/ptysup"
)

// Runtime binds an adapter to a live supervised session. It is the
// injection seam between the interaction executor and the PTY: it applies
// the adapter's normalization and tracks the last-output timestamp the
// executor's verify-advance loop polls.
type Runtime struct {
	adapter Adapter
	sup     *ptysup.Supervisor

	mu         sync.Mutex
	lastOutput time.Time
	sinks      []func([]byte)
}

// NewRuntime wraps a running supervisor.
func NewRuntime(a Adapter, sup *ptysup.Supervisor) *Runtime {
	return &Runtime{adapter: a, sup: sup, lastOutput: time.Now()}
}

// Adapter returns the bound per-tool strategy.
func (r *Runtime) Adapter() Adapter { return r.adapter }

// Supervisor returns the bound PTY supervisor.
func (r *Runtime) Supervisor() *ptysup.Supervisor { return r.sup }

// AddSink registers an extra consumer of raw PTY chunks (detector,
// forwarder). Must be called before the supervisor starts delivering.
func (r *Runtime) AddSink(sink func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// HandleChunk implements ptysup.OutputSink: stamp the output clock, then
// fan out.
func (r *Runtime) HandleChunk(chunk []byte) {
	r.mu.Lock()
	r.lastOutput = time.Now()
	sinks := r.sinks
	r.mu.Unlock()
	for _, s := range sinks {
		s(chunk)
	}
}

// LastOutputTime implements classify.OutputClock.
func (r *Runtime) LastOutputTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOutput
}

// Inject implements classify.Injector: normalize per tool, write, and let
// the supervisor's consumer mark the echo window.
func (r *Runtime) Inject(ctx context.Context, value, promptType string) error {
	data := r.adapter.Normalize(value, promptType)
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sup.Inject(data)
}

// ttyWaitMarkers are kernel wait-channel names that indicate a process
// blocked reading its controlling terminal.
var ttyWaitMarkers = []string{"n_tty_read", "tty_read", "wait_woken"}

// TTYBlocked reports whether the child appears blocked on a TTY read,
// feeding the detector's second signal. Only implemented where /proc
// exposes wchan; elsewhere it reports false, degrading detection to the
// pattern and silence signals.
func TTYBlocked(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/wchan", pid))
	if err != nil {
		return false
	}
	wchan := strings.TrimSpace(string(b))
	for _, marker := range ttyWaitMarkers {
		if strings.Contains(wchan, marker) {
			return true
		}
	}
	return false
}

// SnapshotContext captures a short description of the session's state for
// debug bundles and escalation messages.
func (r *Runtime) SnapshotContext() map[string]any {
	return map[string]any{
		"adapter":     r.adapter.Name(),
		"pid":         r.sup.PID(),
		"alive":       r.sup.IsAlive(),
		"last_output": r.LastOutputTime().UTC().Format(time.RFC3339),
	}
}
