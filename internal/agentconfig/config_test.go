package agentconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Role = RoleRunner
	cfg.Repository.URL = "https://github.com/dimikot/ci-storage"
	cfg.Repository.Path = "docker"
	cfg.Secrets.GitHubToken = "ci-storage/gh-token"
	cfg.Secrets.PrivateKey = "ec2-ssh-key/key/private"
	return cfg
}

func TestConfig_MarshalThenLoadKeepsEnvOrder(t *testing.T) {
	cfg := validConfig()
	cfg.Compose.Env.Set("GH_REPOSITORY", "time-loop/slapdash")
	cfg.Compose.Env.Set("GH_LABELS", "my-ci,ci-storage")
	cfg.Compose.Env.Set("FORWARD_HOST", "my-ci-host-001.example.com")
	cfg.Compose.Env.Set("A_LAST", "true")

	text, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Less(t, strings.Index(text, "GH_REPOSITORY"), strings.Index(text, "FORWARD_HOST"))
	assert.Less(t, strings.Index(text, "FORWARD_HOST"), strings.Index(text, "A_LAST"))

	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Compose.Env, loaded.Compose.Env)
	assert.Equal(t, time.Hour, loaded.Registry.LoginMaxAge)
	assert.Equal(t, "docker", loaded.Repository.Path)
}

func TestFromYAML_AppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
role: host
repository:
  url: https://github.com/o/r
secrets:
  github_token: gh
  private_key: key
`))
	require.NoError(t, err)

	assert.Equal(t, "ubuntu", cfg.User)
	assert.Equal(t, ".", cfg.Repository.Path)
	assert.Equal(t, "~/git", cfg.Repository.Dir)
	assert.Equal(t, "ghcr.io", cfg.Registry.Host)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad role", func(c *Config) { c.Role = "worker" }, "config.role"},
		{"root user", func(c *Config) { c.User = "root" }, "unprivileged"},
		{"missing url", func(c *Config) { c.Repository.URL = "" }, "repository.url"},
		{"escaping path", func(c *Config) { c.Repository.Path = "../etc" }, "repository.path"},
		{"missing token", func(c *Config) { c.Secrets.GitHubToken = "" }, "github_token"},
		{"bad env name", func(c *Config) { c.Compose.Env.Set("A B", "x") }, "invalid variable"},
		{"both handoffs", func(c *Config) {
			c.Volume = DefaultVolume("vol-1")
			c.Tmpfs = &Tmpfs{Path: "/var/lib/docker", PeerName: "h"}
		}, "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestEnv_SetReplacesInPlace(t *testing.T) {
	var env Env
	env.Set("A", "1")
	env.Set("B", "2")
	env.Set("A", "3")

	assert.Equal(t, []string{"A=3", "B=2"}, env.Environ())
	v, ok := env.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = env.Get("C")
	assert.False(t, ok)
}

func TestEnv_UnmarshalRejectsSequence(t *testing.T) {
	_, err := FromYAML([]byte(`
role: runner
repository: {url: u}
secrets: {github_token: a, private_key: b}
compose:
  env: [A, B]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a mapping")
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/home/ubuntu/git", ExpandHome("~/git", "/home/ubuntu"))
	assert.Equal(t, "/home/ubuntu", ExpandHome("~", "/home/ubuntu"))
	assert.Equal(t, "/srv/git", ExpandHome("/srv/git", "/home/ubuntu"))
}
