//go:build windows

package taskstore

import (
	"fmt"
	"os"
	"sync"
)

// Windows has no flock(2); the lock is process-local and keeps the lock
// file only as a marker.
var processLock sync.Mutex

type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

func (fl *fileLock) Lock() error {
	processLock.Lock()
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		processLock.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	fl.file = f
	return nil
}

func (fl *fileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	processLock.Unlock()
	return err
}
