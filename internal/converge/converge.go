// Package converge brings a machine to its desired state: credentials, the
// compose checkout, the container runtime and the compose workload. A run is
// safe to repeat; the periodic trigger invokes it every minute.
package converge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/awsapi"
	"github.com/clickup/ci-storage-cdk/internal/command"
	"github.com/clickup/ci-storage-cdk/internal/git"
	"github.com/clickup/ci-storage-cdk/internal/permit"
	"github.com/clickup/ci-storage-cdk/internal/repourl"
	"github.com/clickup/ci-storage-cdk/internal/sshutil"
)

// KeyName is the file name of the deployment key under ~/.ssh.
const KeyName = "ci-storage"

// BootIDPath holds an id that changes on every boot.
const BootIDPath = "/proc/sys/kernel/random/boot_id"

// CheckoutMode tells how the compose checkout was converged.
type CheckoutMode string

// Checkout modes.
const (
	CheckoutClone   CheckoutMode = "clone"
	CheckoutPull    CheckoutMode = "pull"
	CheckoutReclone CheckoutMode = "reclone"
)

// Secrets resolves secret values by name.
type Secrets interface {
	SecretString(ctx context.Context, name string) (string, error)
}

// Signaler reports readiness stages.
type Signaler interface {
	Signal(ctx context.Context, stage string) error
}

// Result summarizes one run.
type Result struct {
	RunID          string
	Checkout       CheckoutMode
	RegistryLogin  bool
	ServiceStarted bool
	Pulled         []string
	UpToDate       []string
	Signaled       bool
}

// Converger performs convergence runs.
type Converger struct {
	Config   *agentconfig.Config
	Runner   command.Runner
	Secrets  Secrets
	Signaler Signaler
	Metrics  *Metrics
	Logger   *zap.Logger

	// Home is the service user's home directory.
	Home string
	Now  func() time.Time
	// BootID returns the current boot id; it defaults to reading BootIDPath.
	BootID func() (string, error)
}

func (c *Converger) stateDir() string {
	return agentconfig.ExpandHome(c.Config.StateDir, c.Home)
}

// LockPath is the permit every run takes.
func (c *Converger) LockPath() string {
	return filepath.Join(c.stateDir(), "converge.lock")
}

// RunExclusive runs under the machine-wide permit. When another run holds
// it, nothing is done and ran is false.
func (c *Converger) RunExclusive(ctx context.Context) (res Result, ran bool, err error) {
	ran, err = permit.Do(c.LockPath(), func() error {
		var err error
		res, err = c.Run(ctx)
		return err
	})
	if !ran && err == nil {
		c.Logger.Info("already running")
	}
	return res, ran, err
}

// Run performs one convergence run in a fixed order. Any failure aborts the
// rest of the run; the next periodic run starts over.
func (c *Converger) Run(ctx context.Context) (Result, error) {
	start := c.now()
	res := Result{RunID: uuid.NewString()}
	r := c.Config.Repository
	logger := c.Logger.With(zap.String("run", res.RunID),
		zap.Stringer("repository", repourl.Spec{URL: r.URL, Branch: r.Branch, Path: r.Path}))

	err := c.run(ctx, logger, &res)
	if c.Metrics != nil {
		c.Metrics.Observe(start, c.now().Sub(start), res, err)
		if path := c.Config.MetricsTextfile; path != "" {
			if werr := c.Metrics.WriteTextfile(path); werr != nil {
				logger.Warn("writing metrics", zap.Error(werr))
			}
		}
	}
	if err != nil {
		return res, err
	}
	logger.Info("converged",
		zap.String("checkout", string(res.Checkout)),
		zap.Bool("service_started", res.ServiceStarted),
		zap.Strings("pulled", res.Pulled),
		zap.Duration("took", c.now().Sub(start)))
	return res, nil
}

func (c *Converger) run(ctx context.Context, logger *zap.Logger, res *Result) error {
	if err := os.MkdirAll(c.stateDir(), 0o700); err != nil {
		return err
	}

	if err := c.installKey(ctx); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if err := c.loginGitHub(ctx); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	loggedIn, err := c.loginRegistry(ctx, logger)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	res.RegistryLogin = loggedIn

	mode, err := c.checkout(ctx, logger)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	res.Checkout = mode

	bootID, err := c.bootID()
	if err != nil {
		return err
	}
	started, err := c.startService(ctx, logger, bootID)
	if err != nil {
		return fmt.Errorf("start docker: %w", err)
	}
	res.ServiceStarted = started

	env, err := c.environment(ctx)
	if err != nil {
		return err
	}

	pulled, upToDate, err := c.prePull(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("pre-pull: %w", err)
	}
	res.Pulled, res.UpToDate = pulled, upToDate

	if err := c.composeUp(ctx, env); err != nil {
		return err
	}

	if _, err := c.Runner.Run(ctx, command.New("docker", "system", "prune", "--volumes", "--force")); err != nil {
		logger.Warn("prune failed", zap.Error(err))
	}

	res.Signaled = c.signal(ctx, logger, bootID)
	return nil
}

func (c *Converger) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Converger) bootID() (string, error) {
	if c.BootID != nil {
		return c.BootID()
	}
	b, err := os.ReadFile(BootIDPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// installKey writes the deployment key pair into ~/.ssh.
func (c *Converger) installKey(ctx context.Context) error {
	private, err := c.Secrets.SecretString(ctx, c.Config.Secrets.PrivateKey)
	if err != nil {
		return err
	}
	public, err := sshutil.PublicKey(private)
	if err != nil {
		return err
	}
	dir := filepath.Join(c.Home, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if !strings.HasSuffix(private, "\n") {
		private += "\n"
	}
	if err := writeFileAtomic(filepath.Join(dir, KeyName), []byte(private), 0o600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, KeyName+".pub"), []byte(public+"\n"), 0o644)
}

func (c *Converger) loginGitHub(ctx context.Context) error {
	token, err := c.Secrets.SecretString(ctx, c.Config.Secrets.GitHubToken)
	if err != nil {
		return err
	}
	login := command.New("gh", "auth", "login", "--with-token")
	login.Stdin = token
	login.Secret = true
	if _, err := c.Runner.Run(ctx, login); err != nil {
		return err
	}
	_, err = c.Runner.Run(ctx, command.New("gh", "auth", "setup-git"))
	return err
}

// loginRegistry refreshes the registry credentials when they are missing
// or older than the configured age.
func (c *Converger) loginRegistry(ctx context.Context, logger *zap.Logger) (bool, error) {
	path := filepath.Join(c.Home, ".docker", "config.json")
	if st, err := os.Stat(path); err == nil && c.now().Sub(st.ModTime()) < c.Config.Registry.LoginMaxAge {
		return false, nil
	}

	token, err := c.Runner.Run(ctx, command.Cmd{Name: "gh", Args: []string{"auth", "token"}, Secret: true})
	if err != nil {
		return false, err
	}
	user, err := c.Runner.Run(ctx, command.New("gh", "api", "user", "--jq", ".login"))
	if err != nil {
		return false, err
	}
	login := command.New("docker", "login", c.Config.Registry.Host, "-u", user, "--password-stdin")
	login.Stdin = token
	login.Secret = true
	if _, err := c.Runner.Run(ctx, login); err != nil {
		return false, err
	}
	logger.Info("registry login refreshed", zap.String("registry", c.Config.Registry.Host))
	return true, nil
}

func (c *Converger) repository() *git.Repository {
	return git.NewRepository(agentconfig.ExpandHome(c.Config.Repository.Dir, c.Home), c.Runner)
}

// composeDir is the directory compose runs in.
func (c *Converger) composeDir() string {
	return filepath.Join(agentconfig.ExpandHome(c.Config.Repository.Dir, c.Home), c.Config.Repository.Path)
}

func (c *Converger) checkout(ctx context.Context, logger *zap.Logger) (CheckoutMode, error) {
	repo := c.repository()
	if !repo.Exists() {
		return CheckoutClone, c.clone(ctx, repo)
	}
	if err := repo.Verify(ctx); err != nil {
		logger.Warn("checkout failed verification, recloning", zap.String("dir", repo.Dir()), zap.Error(err))
		if err := repo.Wipe(); err != nil {
			return "", err
		}
		return CheckoutReclone, c.clone(ctx, repo)
	}
	return CheckoutPull, repo.PullRebase(ctx)
}

func (c *Converger) clone(ctx context.Context, repo *git.Repository) error {
	r := c.Config.Repository
	if err := repo.Clone(ctx, r.URL, r.Branch); err != nil {
		return err
	}
	if r.Path != "." {
		if err := repo.SparseCheckout(ctx, r.Path); err != nil {
			return err
		}
	}
	return repo.Checkout(ctx)
}

// startService starts the container runtime once per boot. Hand-off leaves
// it stopped until storage is in place; this is the point it comes back.
func (c *Converger) startService(ctx context.Context, logger *zap.Logger, bootID string) (bool, error) {
	marker := filepath.Join(c.stateDir(), "docker-started")
	if b, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(b)) == bootID {
		return false, nil
	}
	if _, err := c.Runner.Run(ctx, command.New("sudo", "systemctl", "start", "docker", "docker.socket")); err != nil {
		return false, err
	}
	logger.Info("docker started")
	return true, writeFileAtomic(marker, []byte(bootID+"\n"), 0o600)
}

func (c *Converger) environment(ctx context.Context) ([]string, error) {
	token, err := c.Runner.Run(ctx, command.Cmd{Name: "gh", Args: []string{"auth", "token"}, Secret: true})
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return append([]string{"GH_TOKEN=" + token}, c.Config.Compose.Env.Environ()...), nil
}

func (c *Converger) composeUp(ctx context.Context, env []string) error {
	args := []string{"compose"}
	for _, p := range c.Config.Compose.Profiles {
		args = append(args, "--profile", p)
	}
	args = append(args, "up", "--build", "--remove-orphans", "-d")
	_, err := c.Runner.Run(ctx, command.Cmd{Name: "docker", Args: args, Dir: c.composeDir(), Env: env})
	if err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	return nil
}

// signal sends "converged" after the first successful run of a boot. A
// failure is retried by the next run.
func (c *Converger) signal(ctx context.Context, logger *zap.Logger, bootID string) bool {
	if c.Signaler == nil {
		return false
	}
	marker := filepath.Join(c.stateDir(), "signaled")
	if b, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(b)) == bootID {
		return false
	}
	if err := c.Signaler.Signal(ctx, awsapi.StageConverged); err != nil {
		logger.Warn("signal failed", zap.Error(err))
		return false
	}
	if err := writeFileAtomic(marker, []byte(bootID+"\n"), 0o600); err != nil {
		logger.Warn("writing signal marker", zap.Error(err))
	}
	return true
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
