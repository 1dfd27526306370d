package permit

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Dropper re-executes the current process as an unprivileged user.
type Dropper struct {
	User     string
	Geteuid  func() int
	LookPath func(file string) (string, error)
	Exec     func(argv0 string, argv []string, envv []string) error
}

// NewDropper returns a Dropper for user backed by the real process.
func NewDropper(user string) *Dropper {
	return &Dropper{
		User:     user,
		Geteuid:  unix.Geteuid,
		LookPath: exec.LookPath,
		Exec:     unix.Exec,
	}
}

// Drop replaces the process with "gosu <user> args..." when running as
// root. It returns nil without doing anything otherwise. gosu initializes
// supplementary groups, so membership granted since login (docker) applies.
func (d *Dropper) Drop(args []string) error {
	if d.Geteuid() != 0 {
		return nil
	}
	if d.User == "" || d.User == "root" {
		return fmt.Errorf("refusing to run as root: no service user configured")
	}
	gosu, err := d.LookPath("gosu")
	if err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	argv := append([]string{"gosu", d.User}, args...)
	if err := d.Exec(gosu, argv, os.Environ()); err != nil {
		return fmt.Errorf("drop privileges to %s: %w", d.User, err)
	}
	return nil
}
