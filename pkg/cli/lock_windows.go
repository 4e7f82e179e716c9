package cli

import "os"

// LockFile only records the pid on Windows; flock is unavailable.
type LockFile struct {
	file *os.File
}

func NewLockFile(path string) (*LockFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &LockFile{file: file}, nil
}

func (l *LockFile) Acquire() error {
	return nil
}

func (l *LockFile) Release() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	return os.Remove(l.file.Name())
}
