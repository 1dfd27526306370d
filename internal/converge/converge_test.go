package converge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/command"
	"github.com/clickup/ci-storage-cdk/internal/command/commandtest"
	"github.com/clickup/ci-storage-cdk/internal/permit"
	"github.com/clickup/ci-storage-cdk/internal/sshutil"
)

const repoURL = "https://github.com/dimikot/ci-storage"

type fakeSecrets map[string]string

func (s fakeSecrets) SecretString(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.New("ResourceNotFoundException: " + name)
	}
	return v, nil
}

type fakeSignaler struct{ stages []string }

func (s *fakeSignaler) Signal(_ context.Context, stage string) error {
	s.stages = append(s.stages, stage)
	return nil
}

type fixture struct {
	home     string
	now      time.Time
	runner   *commandtest.Fake
	signaler *fakeSignaler
	c        *Converger
}

func newFixture(t *testing.T) *fixture {
	home := t.TempDir()
	privateKey, _, err := sshutil.Generate("test")
	require.NoError(t, err)

	cfg := agentconfig.Default()
	cfg.Role = agentconfig.RoleRunner
	cfg.Repository.URL = repoURL
	cfg.Repository.Path = "docker"
	cfg.Secrets.GitHubToken = "gh-token"
	cfg.Secrets.PrivateKey = "ssh-key"
	cfg.Compose.Profiles = []string{"ci"}
	cfg.Compose.Env.Set("GH_REPOSITORY", "time-loop/slapdash")
	cfg.Compose.Env.Set("FORWARD_HOST", "host-001")
	require.NoError(t, cfg.Validate())

	f := &fixture{
		home:     home,
		now:      time.Now(),
		runner:   &commandtest.Fake{},
		signaler: &fakeSignaler{},
	}
	repoDir := filepath.Join(home, "git")
	f.runner.On("gh auth token", "gho_derived", nil)
	f.runner.On("gh api user", "octocat", nil)
	f.runner.OnFunc("git -C "+repoDir+" clone", func(command.Cmd) (string, error) {
		return "", os.MkdirAll(filepath.Join(repoDir, ".git"), 0o755)
	})
	f.runner.OnFunc("docker login", func(command.Cmd) (string, error) {
		dir := filepath.Join(home, ".docker")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		return "", os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o600)
	})

	f.c = &Converger{
		Config: &cfg,
		Runner: f.runner,
		Secrets: fakeSecrets{
			"gh-token": "ghp_secret",
			"ssh-key":  privateKey,
		},
		Signaler: f.signaler,
		Logger:   zaptest.NewLogger(t),
		Home:     home,
		Now:      func() time.Time { return f.now },
		BootID:   func() (string, error) { return "boot-1", nil },
	}
	return f
}

func (f *fixture) repoDir() string { return filepath.Join(f.home, "git") }

func TestRun_FirstRun(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CheckoutClone, res.Checkout)
	assert.True(t, res.RegistryLogin)
	assert.True(t, res.ServiceStarted)
	assert.True(t, res.Signaled)
	assert.NotEmpty(t, res.RunID)

	dir := f.repoDir()
	assert.Equal(t, []string{
		"gh auth login --with-token",
		"gh auth setup-git",
		"gh auth token",
		"gh api user --jq .login",
		"docker login ghcr.io -u octocat --password-stdin",
		"git -C " + dir + " clone -n --depth=1 --filter=tree:0 " + repoURL + " .",
		"git -C " + dir + " sparse-checkout set --no-cone docker",
		"git -C " + dir + " checkout",
		"sudo systemctl start docker docker.socket",
		"gh auth token",
		"docker compose --profile ci up --build --remove-orphans -d",
		"docker system prune --volumes --force",
	}, f.runner.Lines())
	assert.Equal(t, []string{"converged"}, f.signaler.stages)

	calls := f.runner.Calls()
	assert.Equal(t, "ghp_secret", calls[0].Stdin)
	assert.Equal(t, "gho_derived", calls[4].Stdin)

	key, err := os.Stat(filepath.Join(f.home, ".ssh", KeyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), key.Mode().Perm())
	pub, err := os.ReadFile(filepath.Join(f.home, ".ssh", KeyName+".pub"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pub), "ssh-ed25519 "))
}

func TestRun_ComposeEnvironment(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Run(context.Background())
	require.NoError(t, err)

	up := f.runner.Calls()[f.runner.Index("docker compose")]
	assert.Equal(t, filepath.Join(f.repoDir(), "docker"), up.Dir)
	assert.Equal(t, []string{
		"GH_TOKEN=gho_derived",
		"GH_REPOSITORY=time-loop/slapdash",
		"FORWARD_HOST=host-001",
	}, up.Env)
}

func TestRun_SecondRunPulls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Run(ctx)
	require.NoError(t, err)
	first := len(f.runner.Calls())

	res, err := f.c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, CheckoutPull, res.Checkout)
	assert.False(t, res.RegistryLogin, "fresh registry credentials are reused")
	assert.False(t, res.ServiceStarted, "docker is started once per boot")
	assert.False(t, res.Signaled)

	dir := f.repoDir()
	assert.Equal(t, []string{
		"gh auth login --with-token",
		"gh auth setup-git",
		"git -C " + dir + " rev-parse --verify HEAD",
		"git -C " + dir + " status --porcelain",
		"git -C " + dir + " diff-index --cached --quiet HEAD --",
		"git -C " + dir + " pull --rebase",
		"gh auth token",
		"docker compose --profile ci up --build --remove-orphans -d",
		"docker system prune --volumes --force",
	}, f.runner.Lines()[first:])
	assert.Equal(t, []string{"converged"}, f.signaler.stages)
}

func TestRun_NewBootStartsDockerAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Run(ctx)
	require.NoError(t, err)

	f.c.BootID = func() (string, error) { return "boot-2", nil }
	res, err := f.c.Run(ctx)
	require.NoError(t, err)

	assert.True(t, res.ServiceStarted)
	assert.True(t, res.Signaled)
	assert.Equal(t, 2, f.runner.Count("sudo systemctl start docker"))
	assert.Equal(t, []string{"converged", "converged"}, f.signaler.stages)
}

func TestRun_CorruptedCheckoutIsRecloned(t *testing.T) {
	f := newFixture(t)
	dir := f.repoDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray"), nil, 0o644))
	f.runner.On("git -C "+dir+" rev-parse", "", errors.New("fatal: not a git repository"))

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CheckoutReclone, res.Checkout)
	assert.NoFileExists(t, filepath.Join(dir, "stray"))
	assert.Less(t, f.runner.Index("git -C "+dir+" rev-parse"), f.runner.Index("git -C "+dir+" clone"))
	assert.False(t, f.runner.Ran("git -C "+dir+" pull"))
}

func TestRun_InterruptedCloneIsRecloned(t *testing.T) {
	f := newFixture(t)
	dir := f.repoDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	f.runner.On("git -C "+dir+" diff-index", "", errors.New("exit status 1"))

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CheckoutReclone, res.Checkout)
	assert.Less(t, f.runner.Index("git -C "+dir+" diff-index"), f.runner.Index("git -C "+dir+" clone"))
	assert.True(t, f.runner.Ran("git -C "+dir+" sparse-checkout set --no-cone docker"))
	assert.True(t, f.runner.Ran("git -C "+dir+" checkout"))
	assert.False(t, f.runner.Ran("git -C "+dir+" pull"))
}

func TestRun_StaleRegistryCredentialsAreRefreshed(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.home, ".docker")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	old := f.now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RegistryLogin)
}

func TestRun_CredentialFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.c.Secrets = fakeSecrets{}

	_, err := f.c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
	assert.Empty(t, f.runner.Calls())
	assert.Empty(t, f.signaler.stages)
}

func TestRun_CheckoutFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.runner.On("git -C "+f.repoDir()+" clone", "", errors.New("exit status 128"))

	_, err := f.c.Run(context.Background())
	require.Error(t, err)
	assert.False(t, f.runner.Ran("docker compose"))
}

func TestRun_PrePullUsesDigestCache(t *testing.T) {
	f := newFixture(t)
	f.c.Config.Compose.Images = []string{"ghcr.io/o/app:latest", "postgres:16"}
	digest := "sha256:aaa"
	f.runner.OnFunc("docker buildx imagetools inspect ghcr.io/o/app:latest", func(command.Cmd) (string, error) {
		return digest, nil
	})
	f.runner.On("docker buildx imagetools inspect postgres:16", "", errors.New("rate limited"))
	ctx := context.Background()

	res, err := f.c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghcr.io/o/app:latest", "postgres:16"}, res.Pulled)
	assert.Less(t, f.runner.Index("docker pull"), f.runner.Index("docker compose"))

	res, err = f.c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres:16"}, res.Pulled, "unresolved digests always pull")
	assert.Equal(t, []string{"ghcr.io/o/app:latest"}, res.UpToDate)

	digest = "sha256:bbb"
	res, err = f.c.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Pulled, "ghcr.io/o/app:latest")

	cache, err := loadDigests(f.c.digestsPath())
	require.NoError(t, err)
	assert.Equal(t, digestCache{repoURL + "|ghcr.io/o/app:latest": "sha256:bbb"}, cache)
}

func TestRun_PruneFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.runner.On("docker system prune", "", errors.New("daemon busy"))

	_, err := f.c.Run(context.Background())
	assert.NoError(t, err)
}

func TestRunExclusive_SkipsWhenHeld(t *testing.T) {
	f := newFixture(t)
	held, err := permit.Acquire(f.c.LockPath())
	require.NoError(t, err)
	defer held.Release()

	_, ran, err := f.c.RunExclusive(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, f.runner.Calls())
}

func TestRunExclusive_Runs(t *testing.T) {
	f := newFixture(t)

	res, ran, err := f.c.RunExclusive(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, CheckoutClone, res.Checkout)
}

func TestRun_WritesMetrics(t *testing.T) {
	f := newFixture(t)
	f.c.Metrics = NewMetrics()
	f.c.Config.MetricsTextfile = filepath.Join(t.TempDir(), "ci_storage.prom")

	_, err := f.c.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(f.c.Config.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ci_storage_converge_success 1")
	assert.Contains(t, string(data), `ci_storage_converge_checkout{mode="clone"} 1`)
}

func TestRun_LogsRepository(t *testing.T) {
	f := newFixture(t)
	f.c.Config.Repository.Branch = "main"
	core, logs := observer.New(zap.InfoLevel)
	f.c.Logger = zap.New(core)

	_, err := f.c.Run(context.Background())
	require.NoError(t, err)

	converged := logs.FilterMessage("converged").All()
	require.Len(t, converged, 1)
	assert.Equal(t, repoURL+"#main:/docker/", converged[0].ContextMap()["repository"])
}
