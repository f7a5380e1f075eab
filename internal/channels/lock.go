package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PollLock is an OS-level exclusive lock on a per-token lock file. It
// prevents two supervisor processes from polling the same bot token, which
// the platforms reject with delivery splits (§5 "Global").
type PollLock struct {
	file *os.File
	path string
}

// AcquirePollLock takes a non-blocking exclusive flock on a lock file
// derived from the token. The token itself never appears on disk.
func AcquirePollLock(dir, channelName, token string) (*PollLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	sum := sha256.Sum256([]byte(token))
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.lock", channelName, hex.EncodeToString(sum[:4])))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another process is already polling this %s bot: %w", channelName, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &PollLock{file: f, path: path}, nil
}

// Release drops the lock and removes the file.
func (l *PollLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	os.Remove(l.path)
	l.file = nil
	return err
}
