// Package trace writes the decision trace: JSON-lines entries describing
// every policy decision, hash-chained like the audit log but kept on disk
// and size-rotated independently (§4.12).
package trace

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
)

// DefaultMaxBytes is the rotation threshold.
const DefaultMaxBytes = 10 << 20 // 10 MiB

const maxArchives = 3

// Entry is one decision trace line.
type Entry struct {
	Time           time.Time `json:"time"`
	SessionID      string    `json:"session_id"`
	PromptID       string    `json:"prompt_id,omitempty"`
	PolicyHash     string    `json:"policy_hash"`
	MatchedRule    string    `json:"matched_rule,omitempty"`
	Confidence     string    `json:"confidence"`
	Action         string    `json:"action"`
	Explanation    string    `json:"explanation,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	RiskLevel      string    `json:"risk_level"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// Writer appends entries to the active trace file, rotating at MaxBytes.
type Writer struct {
	path     string
	maxBytes int64

	mu       sync.Mutex
	lastHash string
	primed   bool
}

// NewWriter builds a Writer for the active file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path, maxBytes: DefaultMaxBytes}
}

// WithMaxBytes overrides the rotation threshold (tests).
func (w *Writer) WithMaxBytes(n int64) *Writer {
	w.maxBytes = n
	return w
}

// archivePath returns the path of archive n (1 = newest).
func (w *Writer) archivePath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// Append chains and writes one entry, rotating first if the active file
// has outgrown maxBytes. Free-text fields are redacted before hashing so
// the stored hash covers exactly the stored bytes.
func (w *Writer) Append(e Entry) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return Entry{}, err
	}
	if !w.primed {
		w.lastHash = w.tailHash()
		w.primed = true
	}

	e.Time = e.Time.UTC()
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Explanation = redact.Redact(e.Explanation)
	e.PrevHash = w.lastHash
	e.Hash = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode trace entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return Entry{}, err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write trace entry: %w", err)
	}

	w.lastHash = e.Hash
	return e, nil
}

func (w *Writer) rotateIfNeeded() error {
	info, err := os.Stat(w.path)
	if err != nil || info.Size() <= w.maxBytes {
		return nil
	}
	oldest := w.archivePath(maxArchives)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("drop oldest trace archive: %w", err)
		}
	}
	for n := maxArchives - 1; n >= 1; n-- {
		from := w.archivePath(n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, w.archivePath(n+1)); err != nil {
			return fmt.Errorf("rotate trace archive %d: %w", n, err)
		}
	}
	if err := os.Rename(w.path, w.archivePath(1)); err != nil {
		return fmt.Errorf("rotate active trace: %w", err)
	}
	// Fresh active file: the chain continues from the archived tail,
	// which is still cached in lastHash.
	return nil
}

// tailHash reads the last line's hash from the active file, falling back
// to the newest archive so the chain survives restarts across rotations.
func (w *Writer) tailHash() string {
	for _, p := range []string{w.path, w.archivePath(1), w.archivePath(2), w.archivePath(3)} {
		if h, ok := lastHashIn(p); ok {
			return h
		}
	}
	return ""
}

func lastHashIn(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	var last Entry
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if json.Unmarshal(sc.Bytes(), &last) == nil {
			found = true
		}
	}
	return last.Hash, found
}

func hashEntry(e Entry) string {
	canonical := map[string]any{
		"action":          e.Action,
		"confidence":      e.Confidence,
		"explanation":     e.Explanation,
		"idempotency_key": e.IdempotencyKey,
		"matched_rule":    e.MatchedRule,
		"policy_hash":     e.PolicyHash,
		"prev_hash":       e.PrevHash,
		"prompt_id":       e.PromptID,
		"risk_level":      e.RiskLevel,
		"session_id":      e.SessionID,
		"time":            e.Time.UTC().Format(time.RFC3339Nano),
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Tail returns the last n entries of the active file only.
func (w *Writer) Tail(n int) ([]Entry, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("malformed trace line: %w", err)
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Verify walks archives oldest-first then the active file, checking every
// entry's prev_hash linkage and recomputing its hash.
func (w *Writer) Verify() (bool, []string) {
	var problems []string
	prev := ""
	first := true
	index := 0

	files := []string{w.archivePath(3), w.archivePath(2), w.archivePath(1), w.path}
	for _, p := range files {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for sc.Scan() {
			var e Entry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				problems = append(problems, fmt.Sprintf("entry %d: malformed line: %v", index, err))
				index++
				continue
			}
			if first {
				prev = e.PrevHash
			}
			if e.PrevHash != prev {
				problems = append(problems, fmt.Sprintf("entry %d: prev_hash mismatch: have %s, chain tail is %s", index, e.PrevHash, prev))
			}
			if recomputed := hashEntry(e); recomputed != e.Hash {
				problems = append(problems, fmt.Sprintf("entry %d: hash mismatch: stored %s, recomputed %s", index, e.Hash, recomputed))
			}
			prev = e.Hash
			first = false
			index++
		}
		f.Close()
	}
	return len(problems) == 0, problems
}

// ArchiveCount reports how many archive files currently exist.
func (w *Writer) ArchiveCount() int {
	n := 0
	for i := 1; i <= maxArchives; i++ {
		if _, err := os.Stat(w.archivePath(i)); err == nil {
			n++
		}
	}
	return n
}
