//go:build !windows

package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/replicate/mget/pkg/logging"
)

// LockFile is an advisory exclusive lock that also records the holder's pid.
type LockFile struct {
	file *os.File
	fd   int
}

func NewLockFile(path string) (*LockFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &LockFile{file: file, fd: int(file.Fd())}, nil
}

// Acquire blocks until the lock is held.
func (l *LockFile) Acquire() error {
	logger := logging.GetLogger()
	funcs := []func() error{
		func() error {
			logger.Debug().Str("blocking_lock_acquire", "false").Str("path", l.file.Name()).Msg("Waiting on Lock")
			err := syscall.Flock(l.fd, syscall.LOCK_EX|syscall.LOCK_NB)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("message", "Another mget process is using this lock file, waiting for it to finish").
					Msg("Waiting on Lock")
				logger.Debug().Str("blocking_lock_acquire", "true").Msg("Waiting on Lock")
				err = syscall.Flock(l.fd, syscall.LOCK_EX)
			}
			return err
		},
		// A previous holder that exited without Release leaves its pid behind.
		func() error { return l.file.Truncate(0) },
		l.writePID,
		l.file.Sync,
	}
	return l.executeFuncs(funcs)
}

func (l *LockFile) Release() error {
	funcs := []func() error{
		func() error { return syscall.Flock(l.fd, syscall.LOCK_UN) },
		l.file.Close,
		func() error { return os.Remove(l.file.Name()) },
	}
	return l.executeFuncs(funcs)
}

func (l *LockFile) writePID() error {
	_, err := l.file.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0)
	return err
}

func (l *LockFile) executeFuncs(funcs []func() error) error {
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
