package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileLock is an exclusive flock on a local file, for controllers sharing
// a host.
type FileLock struct {
	path string

	mu sync.Mutex
	fd int
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, fd: -1}
}

func (l *FileLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// flock is held for as long as the descriptor is open
	if l.fd >= 0 {
		return true, nil
	}

	fd, err := syscall.Open(l.path, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	err = syscall.Ftruncate(fd, 0)
	if err == nil {
		_, err = syscall.Write(fd, []byte(pid))
	}
	if err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("failed to write PID: %w", err)
	}

	l.fd = fd
	return true, nil
}

func (l *FileLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd < 0 {
		return nil
	}
	syscall.Flock(l.fd, syscall.LOCK_UN)
	err := syscall.Close(l.fd)
	l.fd = -1
	return err
}
