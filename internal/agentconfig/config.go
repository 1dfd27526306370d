// Package agentconfig is the machine-side view of a role's configuration.
// The build half renders it into /etc/ci-storage/agent.yaml inside the
// cloud-config document; ci-storage-agent loads it on the machine.
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Path is where the cloud-config document writes the agent configuration.
const Path = "/etc/ci-storage/agent.yaml"

// Roles.
const (
	RoleRunner = "runner"
	RoleHost   = "host"
)

// Config models agent.yaml.
type Config struct {
	Role string `yaml:"role"`
	// User is the unprivileged account the convergence run drops to.
	User string `yaml:"user"`
	// StateDir holds the lock, markers and the image digest cache. A
	// leading "~/" is expanded against User's home directory.
	StateDir   string     `yaml:"state_dir"`
	Repository Repository `yaml:"repository"`
	Secrets    Secrets    `yaml:"secrets"`
	Compose    Compose    `yaml:"compose"`
	Registry   Registry   `yaml:"registry"`
	Volume     *Volume    `yaml:"volume,omitempty"`
	Tmpfs      *Tmpfs     `yaml:"tmpfs,omitempty"`
	// LifecycleHook, when set, is completed with CONTINUE after the first
	// successful convergence of the machine.
	LifecycleHook string `yaml:"lifecycle_hook,omitempty"`
	// MetricsTextfile, when set, receives prometheus gauges after every run.
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
	// Region overrides the region discovered from instance metadata.
	Region string `yaml:"region,omitempty"`
}

// Repository is an already parsed repository location; see repourl.Spec.
type Repository struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
	Path   string `yaml:"path"`
	// Dir is the local checkout directory. A leading "~/" is expanded.
	Dir string `yaml:"dir"`
}

// Secrets names Secrets Manager entries; values are never stored here.
type Secrets struct {
	GitHubToken string `yaml:"github_token"`
	PrivateKey  string `yaml:"private_key"`
}

// Compose configures the docker compose workload.
type Compose struct {
	Profiles []string `yaml:"profiles,omitempty"`
	Env      Env      `yaml:"env,omitempty"`
	// Images are pre-pulled before "compose up" when their remote digest
	// changed since the last pull.
	Images []string `yaml:"images,omitempty"`
}

// Registry configures the container registry login.
type Registry struct {
	Host string `yaml:"host"`
	// LoginMaxAge is how old the docker credentials file may get before the
	// login is refreshed.
	LoginMaxAge time.Duration `yaml:"login_max_age"`
}

// Volume configures the block volume hand-off.
type Volume struct {
	ID      string `yaml:"id"`
	Device  string `yaml:"device"`
	Dir     string `yaml:"dir"`
	Label   string `yaml:"label"`
	DataDir string `yaml:"data_dir"`
}

// Tmpfs configures the in-memory tree hand-off.
type Tmpfs struct {
	Path string `yaml:"path"`
	// PeerName is the Name tag shared by the old and the new instance.
	PeerName  string `yaml:"peer_name"`
	MaxSizeGB int    `yaml:"max_size_gb"`
	// PeerUser is the account used to log into the old instance.
	PeerUser string `yaml:"peer_user"`
}

// Default returns a Config with the defaults every role shares.
func Default() Config {
	return Config{
		User:     "ubuntu",
		StateDir: "~/.ci-storage",
		Repository: Repository{
			Path: ".",
			Dir:  "~/git",
		},
		Registry: Registry{
			Host:        "ghcr.io",
			LoginMaxAge: time.Hour,
		},
	}
}

// DefaultVolume returns the volume settings for volumeID.
func DefaultVolume(volumeID string) *Volume {
	return &Volume{
		ID:      volumeID,
		Device:  "/dev/sdf",
		Dir:     "/mnt",
		Label:   "MNT",
		DataDir: "/var/lib/docker",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config, filling unset fields with
// defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal agent config: %w", err)
	}
	return string(data), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Role != RoleRunner && c.Role != RoleHost {
		return fmt.Errorf("config.role must be %q or %q, got %q", RoleRunner, RoleHost, c.Role)
	}
	if c.User == "" || c.User == "root" {
		return fmt.Errorf("config.user must name an unprivileged account")
	}
	if c.Repository.URL == "" {
		return fmt.Errorf("config.repository.url is required")
	}
	if c.Repository.Path == "" || strings.HasPrefix(c.Repository.Path, "/") || strings.Contains(c.Repository.Path, "..") {
		return fmt.Errorf("config.repository.path must be a relative path inside the repository, got %q", c.Repository.Path)
	}
	if c.Secrets.GitHubToken == "" {
		return fmt.Errorf("config.secrets.github_token is required")
	}
	if c.Secrets.PrivateKey == "" {
		return fmt.Errorf("config.secrets.private_key is required")
	}
	for _, v := range c.Compose.Env {
		if v.Name == "" || strings.ContainsAny(v.Name, "= \t\n") {
			return fmt.Errorf("config.compose.env has invalid variable name %q", v.Name)
		}
	}
	if c.Volume != nil && c.Tmpfs != nil {
		return fmt.Errorf("config.volume and config.tmpfs are mutually exclusive")
	}
	if c.Volume != nil && (c.Volume.ID == "" || c.Volume.Dir == "" || c.Volume.Label == "") {
		return fmt.Errorf("config.volume requires id, dir and label")
	}
	if c.Tmpfs != nil && (c.Tmpfs.Path == "" || c.Tmpfs.PeerName == "") {
		return fmt.Errorf("config.tmpfs requires path and peer_name")
	}
	return nil
}

// ExpandHome expands a leading "~/" against home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	return filepath.Join(home, path[2:])
}
