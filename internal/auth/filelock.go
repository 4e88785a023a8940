package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockRetryDelay = 100 * time.Millisecond
	lockMaxWait    = 5 * time.Second
	staleLockAge   = 30 * time.Second
)

// fileLock is an advisory cross-process lock implemented as a sibling
// "<path>.lock" file created with O_EXCL.
type fileLock struct {
	file *os.File
	path string
}

// acquireFileLock blocks until the lock for target is held, ctx is done or
// lockMaxWait elapses. Lock files older than staleLockAge are assumed to be
// left behind by a crashed process and are removed.
func acquireFileLock(ctx context.Context, target string) (*fileLock, error) {
	lockPath := target + ".lock"
	deadline := time.Now().Add(lockMaxWait)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{file: f, path: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for file lock after %v", lockMaxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l *fileLock) release() error {
	if l.file != nil {
		_ = l.file.Close()
	}
	return os.Remove(l.path)
}
