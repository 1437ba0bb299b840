// Package backup provides the file-based exclusive lock guarding
// mutually exclusive background jobs (consolidation passes, storage
// optimization, export/cleanup).
package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// FileLock is an exclusive-create lock file. The file body records the
// acquisition instant and owning process:
//
//	<ISO-8601 timestamp>
//	PID: <int>
//
// Lock files older than the timeout are considered stale and forcibly
// removed, so a crashed job cannot wedge its successors.
type FileLock struct {
	path    string
	timeout time.Duration
	held    bool
	logger  *zap.Logger
}

// NewFileLock creates a lock at path. timeout bounds both the wait for
// acquisition and the age at which an existing lock counts as stale.
func NewFileLock(path string, timeout time.Duration, logger *zap.Logger) *FileLock {
	return &FileLock{path: path, timeout: timeout, logger: logger.Named("filelock")}
}

// Acquire takes the lock, waiting up to the timeout. Returns false when
// the lock stayed held by a live owner for the whole window.
func (l *FileLock) Acquire(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(l.timeout)

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := fmt.Sprintf("%s\nPID: %d\n", time.Now().UTC().Format(time.RFC3339), os.Getpid())
			if _, werr := f.WriteString(info); werr != nil {
				f.Close()
				os.Remove(l.path)
				return false, fmt.Errorf("writing lock file: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(l.path)
				return false, fmt.Errorf("closing lock file: %w", cerr)
			}
			l.held = true
			l.logger.Debug("acquired lock", zap.String("path", l.path))
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("creating lock file: %w", err)
		}

		// Held by someone else. Give up once the wait window has closed,
		// so a lock that merely aged during our own wait is not evicted.
		if time.Now().After(deadline) {
			l.logger.Warn("failed to acquire lock before timeout", zap.String("path", l.path))
			return false, nil
		}

		// Evict if stale, otherwise wait.
		if stat, serr := os.Stat(l.path); serr == nil {
			if age := time.Since(stat.ModTime()); age > l.timeout {
				l.logger.Warn("removing stale lock file",
					zap.String("path", l.path), zap.Duration("age", age))
				os.Remove(l.path)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Error("error releasing lock", zap.String("path", l.path), zap.Error(err))
		return
	}
	l.held = false
	l.logger.Debug("released lock", zap.String("path", l.path))
}
