package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// FlockRootLocker implements domain.RootLocker with non-blocking exclusive
// flocks on per-root lock files kept under lockDir. The kernel drops the lock
// when the descriptor closes, so a crashed process never leaves a root stuck.
type FlockRootLocker struct {
	lockDir string
	logger  *zap.Logger
}

// NewFlockRootLocker creates a locker storing lock files in lockDir.
func NewFlockRootLocker(lockDir string, logger *zap.Logger) *FlockRootLocker {
	return &FlockRootLocker{lockDir: lockDir, logger: logger}
}

// TryLock acquires root or fails immediately with domain.ErrEnvironmentBusy.
// The returned release func is safe to call more than once.
func (l *FlockRootLocker) TryLock(root string) (func(), error) {
	if err := os.MkdirAll(l.lockDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath := l.lockPath(root)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", root, domain.ErrEnvironmentBusy)
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			l.logger.Debug("flock unlock failed", zap.String("root", root), zap.Error(err))
		}
		if err := f.Close(); err != nil {
			l.logger.Debug("lock file close failed", zap.String("root", root), zap.Error(err))
		}
	}, nil
}

func (l *FlockRootLocker) lockPath(root string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return filepath.Join(l.lockDir, hex.EncodeToString(sum[:])[:16]+".lock")
}

// Ensure FlockRootLocker implements domain.RootLocker.
var _ domain.RootLocker = (*FlockRootLocker)(nil)
