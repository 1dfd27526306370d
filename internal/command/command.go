// Package command runs external programs on the machine. Every machine-side
// action of the agent (git, gh, docker, mount tooling, rsync) goes through a
// Runner so the sequencing logic can be tested against a fake.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Cmd describes one program invocation.
type Cmd struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the agent's.
	Dir string
	// Env is appended to the agent's environment.
	Env []string
	// Stdin is fed to the program when non-empty.
	Stdin string
	// Secret suppresses logging of the program's output.
	Secret bool
}

// New returns a Cmd for name with args.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// Line renders the command as a shell-like line, for logs and matching.
func (c Cmd) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands and returns their trimmed stdout.
type Runner interface {
	Run(ctx context.Context, c Cmd) (string, error)
}

// Exec runs commands with os/exec.
type Exec struct {
	Logger *zap.Logger
}

// Run implements Runner. On failure, stderr is folded into the error.
func (e Exec) Run(ctx context.Context, c Cmd) (string, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("exec", zap.String("cmd", c.Line()), zap.String("dir", c.Dir))

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if c.Secret {
			msg = ""
		}
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", c.Name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}

	out := strings.TrimSpace(stdout.String())
	if !c.Secret && out != "" {
		logger.Debug("exec output", zap.String("cmd", c.Name), zap.String("stdout", out))
	}
	return out, nil
}
