// Package git wraps the git CLI for the partial, sparse checkouts the agent
// keeps of the compose directory.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clickup/ci-storage-cdk/internal/command"
)

// ErrCorrupted is returned by Verify when the working copy cannot be trusted.
var ErrCorrupted = errors.New("working copy is corrupted")

// Repository is a working copy at dir.
type Repository struct {
	dir    string
	runner command.Runner
}

// NewRepository returns the working copy at dir. It need not exist yet.
func NewRepository(dir string, runner command.Runner) *Repository {
	return &Repository{dir: dir, runner: runner}
}

// Dir returns the working copy directory.
func (r *Repository) Dir() string { return r.dir }

// Run executes git with args inside the working copy.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, command.New("git", append([]string{"-C", r.dir}, args...)...))
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

// Exists reports whether dir holds a working copy.
func (r *Repository) Exists() bool {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil
}

// Clone makes a blobless shallow clone into dir without checking files out.
// An empty branch clones the default branch.
func (r *Repository) Clone(ctx context.Context, url, branch string) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	args := []string{"clone", "-n", "--depth=1", "--filter=tree:0"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, url, ".")
	_, err := r.Run(ctx, args...)
	return err
}

// SparseCheckout limits the working copy to path.
func (r *Repository) SparseCheckout(ctx context.Context, path string) error {
	_, err := r.Run(ctx, "sparse-checkout", "set", "--no-cone", path)
	return err
}

// Checkout materializes the files of HEAD.
func (r *Repository) Checkout(ctx context.Context) error {
	_, err := r.Run(ctx, "checkout")
	return err
}

// PullRebase brings the working copy up to date with its upstream.
func (r *Repository) PullRebase(ctx context.Context) error {
	_, err := r.Run(ctx, "pull", "--rebase")
	return err
}

// Verify checks that HEAD resolves, the index is readable and the files of
// HEAD are in the index. A clone interrupted before Checkout has no
// index, so every file of HEAD shows up as deleted.
func (r *Repository) Verify(ctx context.Context) error {
	checks := [][]string{
		{"rev-parse", "--verify", "HEAD"},
		{"status", "--porcelain"},
		{"diff-index", "--cached", "--quiet", "HEAD", "--"},
	}
	for _, args := range checks {
		if _, err := r.Run(ctx, args...); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	}
	return nil
}

// Wipe deletes everything inside dir, keeping dir itself.
func (r *Repository) Wipe() error {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(r.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
