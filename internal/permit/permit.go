// Package permit provides the machine-wide singleton permit of agent runs and
// the privilege drop to the service user.
package permit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another process holds the permit.
var ErrHeld = errors.New("permit is held by another process")

// Permit is an acquired advisory lock on a file. The kernel releases it when
// the process exits, so a crashed run never leaves it behind.
type Permit struct {
	f *os.File
}

// Acquire takes the permit at path without waiting.
func Acquire(path string) (*Permit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Permit{f: f}, nil
}

// Release gives the permit back.
func (p *Permit) Release() error {
	if err := unix.Flock(int(p.f.Fd()), unix.LOCK_UN); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

// Do runs fn while holding the permit at path. If the permit is held
// elsewhere, fn is skipped and Do returns ran=false with no error.
func Do(path string, fn func() error) (ran bool, err error) {
	p, err := Acquire(path)
	if errors.Is(err, ErrHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if rerr := p.Release(); err == nil {
			err = rerr
		}
	}()
	return true, fn()
}
