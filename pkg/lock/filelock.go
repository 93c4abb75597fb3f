package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sokovan/manager/pkg/domain"
)

// FileLock serializes ticks using advisory flock(2) locks on a
// directory of named files, for deployments that run a single manager
// replica per host without a Postgres connection pool handy.
type FileLock struct {
	dir string
}

// NewFileLock creates a FileLock rooted at dir, creating it if needed.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLock{dir: dir}, nil
}

// TryAcquire implements Manager.
func (f *FileLock) TryAcquire(_ context.Context, name string) (func(), error) {
	path := filepath.Join(f.dir, name+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &domain.LockError{ScalingGroup: name, Err: fmt.Errorf("open lock file: %w", err)}
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, &domain.LockError{ScalingGroup: name, Err: fmt.Errorf("lock %q held by another process: %w", name, err)}
	}

	release := func() {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
	}
	return release, nil
}
