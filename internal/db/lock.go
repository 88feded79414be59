package db

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// ErrLocked is returned by AcquireLock when another import holds the database.
var ErrLocked = errors.New("database is locked by another import")

// Lock is an advisory exclusive flock on <db>.lock. The kernel drops it when
// the holding process exits, so a killed import never blocks the next run.
// It only excludes other processes that also take it; the engine does not.
type Lock struct {
	file *os.File
}

func lockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireLock takes the import lock without blocking. Callers must Release
// it on every exit path.
func AcquireLock(dbPath string) (*Lock, error) {
	path := lockPath(dbPath)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	// The pid is informational; the flock is what excludes.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{file: file}, nil
}

// Release unlocks and closes the lock file. It is safe to call more than
// once. The file itself stays on disk.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	uerr := syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	cerr := file.Close()
	if uerr != nil {
		return fmt.Errorf("unlock: %w", uerr)
	}
	if cerr != nil {
		return fmt.Errorf("close lock file: %w", cerr)
	}
	return nil
}

// IsLocked reports whether an import currently holds the lock for dbPath.
func IsLocked(dbPath string) (bool, error) {
	lock, err := AcquireLock(dbPath)
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, lock.Release()
}
