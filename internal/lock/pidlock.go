// Package lock keeps two runtimes from serving the same integration
// instance on one host.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
)

// PIDFile is an flock(2)-held file carrying the owner's PID. The lock lives
// as long as the descriptor stays open.
type PIDFile struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. When another process
// holds it the error is a conflict naming that process.
func Acquire(path string) (*PIDFile, error) {
	if path == "" {
		return nil, fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, held(path)
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	l := &PIDFile{path: path, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *PIDFile) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return l.f.Sync()
}

func held(path string) error {
	msg := fmt.Sprintf("another runtime holds %s", path)
	if pid, err := Owner(path); err == nil {
		msg = fmt.Sprintf("another runtime (pid %d) holds %s", pid, path)
	}
	err := goerrors.New(msg, goerrors.CategoryConflict).WithTextCode("already_running")
	err.WithMetadata(map[string]any{"path": path})
	return err
}

// Owner reads the PID recorded in path.
func Owner(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}

// Path is where the lock lives.
func (l *PIDFile) Path() string { return l.path }

// Release unlocks and closes the file. The file itself stays behind.
func (l *PIDFile) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
