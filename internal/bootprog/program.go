// Package bootprog builds the boot program: the ordered, idempotent list of
// shell steps a machine runs on first boot, on every boot and periodically,
// and renders it into cloud-config write_files entries.
//
// cloud-init runs the scripts of one directory in lexical order, so every
// rendered file name starts with the step's two-digit ordinal; per-once
// scripts run before per-boot ones on the first boot.
package bootprog

import (
	"fmt"
	"path"
	"strings"

	"github.com/clickup/ci-storage-cdk/internal/cloudconfig"
	"github.com/clickup/ci-storage-cdk/internal/dedent"
)

// Trigger says when a step runs.
type Trigger int

const (
	// OneTime steps run once per instance; cloud-init's per-once semaphore
	// is the persisted marker that makes re-runs skip them.
	OneTime Trigger = iota
	// EveryBoot steps run on each boot.
	EveryBoot
	// Periodic steps run on each boot and then on Schedule via cron. Their
	// bodies must exclude concurrent runs themselves.
	Periodic
)

func (t Trigger) String() string {
	switch t {
	case OneTime:
		return "one-time"
	case EveryBoot:
		return "every-boot"
	case Periodic:
		return "periodic"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

const (
	perOnceDir  = "/var/lib/cloud/scripts/per-once"
	perBootDir  = "/var/lib/cloud/scripts/per-boot"
	periodicDir = "/usr/local/lib/ci-storage"
	cronDir     = "/etc/cron.d"
)

// Preamble starts every generated script.
const Preamble = `set -e -o pipefail && echo --- && echo "Running $BASH_SOURCE as $(whoami)" && set -o xtrace`

// Step is one boot program entry.
type Step struct {
	ID      string
	Trigger Trigger
	// Body is a shell fragment; it is normalized with dedent.Dedent.
	Body string
	// Schedule is the cron schedule of a Periodic step.
	Schedule string
	// User is the account cron runs a Periodic step as.
	User string
}

// Program is an ordered list of steps.
type Program struct {
	Steps []Step
}

// Add appends a step.
func (p *Program) Add(step Step) {
	p.Steps = append(p.Steps, step)
}

// Step returns the step with the given id.
func (p Program) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks ids are unique and periodic steps are schedulable.
func (p Program) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" || strings.ContainsAny(s.ID, "/ \t\n") {
			return fmt.Errorf("step id %q is not a valid file name", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Trigger == Periodic && (s.Schedule == "" || s.User == "") {
			return fmt.Errorf("periodic step %q needs a schedule and a user", s.ID)
		}
	}
	return nil
}

// Files renders the program into write_files entries.
func (p Program) Files() []cloudconfig.File {
	var files []cloudconfig.File
	for i, s := range p.Steps {
		name := fmt.Sprintf("%02d-%s.sh", i, s.ID)
		switch s.Trigger {
		case OneTime:
			files = append(files, executable(path.Join(perOnceDir, name), Script(s.Body)))
		case EveryBoot:
			files = append(files, executable(path.Join(perBootDir, name), Script(s.Body)))
		case Periodic:
			bodyPath := path.Join(periodicDir, name)
			files = append(files,
				executable(bodyPath, Script(s.Body)),
				executable(path.Join(perBootDir, name), Script(periodicInstaller(s, bodyPath))),
			)
		}
	}
	return files
}

// CronPath is the cron.d file a Periodic step installs.
func CronPath(s Step) string {
	return path.Join(cronDir, "ci-storage-"+s.ID)
}

// periodicInstaller is the every-boot half of a Periodic step: it enables
// the cron entry only once the boot reached this point (so one-time steps
// such as a storage hand-off have finished) and then runs the body once.
func periodicInstaller(s Step, bodyPath string) string {
	line := fmt.Sprintf("%s %s %s 2>&1 | logger -t %s", s.Schedule, s.User, bodyPath, s.ID)
	return fmt.Sprintf("echo %s > %s\nexec %s\n", Quote(line), CronPath(s), bodyPath)
}

// Script wraps body into a bash script with the standard preamble.
func Script(body string) string {
	return dedent.Dedent("#!/bin/bash\n" + Preamble + "\n\n" + dedent.Dedent(body))
}

func executable(path, content string) cloudconfig.File {
	return cloudconfig.File{Path: path, Permissions: "0755", Content: content}
}

// Quote single-quotes s for bash.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
