// Package lock keeps a single huddled per profile.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner is what the lock file records about the daemon holding it.
type Owner struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// HeldError is returned when another daemon already serves the profile.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	if e.Started.IsZero() {
		return fmt.Sprintf("profile in use by pid %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("profile in use by pid %d since %s (%s)", e.PID, e.Started.Format(time.RFC3339), e.Path)
}

// Lock is an exclusive flock on a profile's LOCK file.
type Lock struct {
	file  *os.File
	path  string
	stale *Owner
}

// Acquire takes the lock for profileDir, creating the directory if needed.
// It fails with *HeldError while another process holds it.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(profileDir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	prev := readOwner(f)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &HeldError{Owner: prev, Path: path}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	l := &Lock{file: f, path: path}
	if prev.PID != 0 {
		l.stale = &prev
	}
	if err := l.record(Owner{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return l, nil
}

func (l *Lock) record(o Owner) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.WriteAt([]byte(fmt.Sprintf("pid=%d\nstarted=%s\n", o.PID, o.Started.Format(time.RFC3339))), 0)
	return err
}

// Stale returns the owner left behind by a daemon that exited without
// releasing the lock, if any.
func (l *Lock) Stale() (Owner, bool) {
	if l.stale == nil {
		return Owner{}, false
	}
	return *l.stale, true
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file and drops the lock. Safe on a nil or
// already released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Inspect reports who holds the lock for profileDir without taking it.
func Inspect(profileDir string) (Owner, bool) {
	f, err := os.OpenFile(filepath.Join(profileDir, fileName), os.O_RDWR, 0600)
	if err != nil {
		return Owner{}, false
	}
	defer func() { _ = f.Close() }()

	owner := readOwner(f)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return owner, true
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return owner, false
}

func readOwner(r io.ReaderAt) Owner {
	var o Owner
	sc := bufio.NewScanner(io.NewSectionReader(r, 0, 1<<12))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}
