// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/clickup/ci-storage-cdk/internal/command"
)

// Handler produces the result of one matched command.
type Handler func(c command.Cmd) (string, error)

type rule struct {
	prefix  string
	handler Handler
}

// Fake records every command and answers with the handler registered for
// the longest matching line prefix. Unmatched commands succeed with empty
// output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []command.Cmd
}

// On answers commands whose line starts with prefix.
func (f *Fake) On(prefix, out string, err error) *Fake {
	return f.OnFunc(prefix, func(command.Cmd) (string, error) { return out, err })
}

// OnFunc answers commands whose line starts with prefix using h.
func (f *Fake) OnFunc(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, handler: h})
	return f
}

// Run implements command.Runner.
func (f *Fake) Run(ctx context.Context, c command.Cmd) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	var best *rule
	line := c.Line()
	for i := range f.rules {
		r := &f.rules[i]
		if strings.HasPrefix(line, r.prefix) && (best == nil || len(r.prefix) >= len(best.prefix)) {
			best = r
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if best == nil {
		return "", nil
	}
	return best.handler(c)
}

// Calls returns the recorded commands.
func (f *Fake) Calls() []command.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Cmd(nil), f.calls...)
}

// Lines returns the recorded command lines.
func (f *Fake) Lines() []string {
	var lines []string
	for _, c := range f.Calls() {
		lines = append(lines, c.Line())
	}
	return lines
}

// Index returns the position of the first command starting with prefix,
// or -1.
func (f *Fake) Index(prefix string) int {
	for i, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

// Ran reports whether a command starting with prefix was run.
func (f *Fake) Ran(prefix string) bool {
	return f.Index(prefix) >= 0
}

// Count returns how many commands started with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}
