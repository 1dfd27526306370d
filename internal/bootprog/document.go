package bootprog

import (
	"fmt"
	"strings"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/cloudconfig"
	"github.com/clickup/ci-storage-cdk/internal/dedent"
	"github.com/clickup/ci-storage-cdk/internal/repourl"
)

// Params is the typed configuration of one machine role.
type Params struct {
	Role string
	// FQDN is set for host instances registered in a hosted zone.
	FQDN     string
	TimeZone string
	// DirectoryURL is the compact repository location of the docker compose
	// directory, see repourl.Parse.
	DirectoryURL          string
	GitHubTokenSecretName string
	PrivateKeySecretName  string
	ComposeProfiles       []string
	ComposeEnv            agentconfig.Env
	Images                []string
	AgentURL              string
	AgentSHA256           string
	SwapSizeGB            int
	Tmpfs                 *TmpfsParams
	// VolumeID is a detachable EBS volume handed off between instances.
	VolumeID        string
	LifecycleHook   string
	MetricsTextfile string
}

// TmpfsParams mounts Path as tmpfs. With PeerName set, the tree is mirrored
// from the previous instance carrying the same Name tag.
type TmpfsParams struct {
	Path      string
	MaxSizeGB int
	PeerName  string
}

var aptSources = map[string]cloudconfig.AptSource{
	"github-cli.list": {
		Source: "deb https://cli.github.com/packages stable main",
		KeyID:  "23F3D4EA75716059",
	},
	"docker.list": {
		Source: "deb https://download.docker.com/linux/ubuntu $RELEASE stable",
		KeyID:  "9DC858229FC7DD38854AE2D88D81803C0EBFCD88",
	},
}

var packages = []string{
	"gh",
	"docker-ce",
	"docker-ce-cli",
	"containerd.io",
	"docker-compose-plugin",
	"docker-buildx-plugin",
	"git",
	"gosu",
	"rsync",
	"mc",
	"curl",
	"apt-transport-https",
	"ca-certificates",
	"tzdata",
}

// AgentConfig derives the machine-side configuration of a role.
func AgentConfig(p Params) (*agentconfig.Config, error) {
	spec, err := repourl.Parse(p.DirectoryURL)
	if err != nil {
		return nil, err
	}

	cfg := agentconfig.Default()
	cfg.Role = p.Role
	cfg.Repository.URL = spec.URL
	cfg.Repository.Branch = spec.Branch
	cfg.Repository.Path = spec.Path
	cfg.Secrets.GitHubToken = p.GitHubTokenSecretName
	cfg.Secrets.PrivateKey = p.PrivateKeySecretName
	cfg.Compose.Profiles = append([]string(nil), p.ComposeProfiles...)
	cfg.Compose.Env = append(agentconfig.Env(nil), p.ComposeEnv...)
	cfg.Compose.Images = append([]string(nil), p.Images...)
	cfg.LifecycleHook = p.LifecycleHook
	cfg.MetricsTextfile = p.MetricsTextfile
	if p.VolumeID != "" {
		cfg.Volume = agentconfig.DefaultVolume(p.VolumeID)
	}
	if p.Tmpfs != nil && p.Tmpfs.PeerName != "" {
		cfg.Tmpfs = &agentconfig.Tmpfs{
			Path:      p.Tmpfs.Path,
			PeerName:  p.Tmpfs.PeerName,
			MaxSizeGB: p.Tmpfs.MaxSizeGB,
			PeerUser:  cfg.User,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BuildDocument builds the cloud-config document of a role. It is
// deterministic: the same Params always render the same user data, so
// instances are only replaced when the configuration really changes.
func BuildDocument(p Params) (cloudconfig.Document, error) {
	cfg, err := AgentConfig(p)
	if err != nil {
		return cloudconfig.Document{}, fmt.Errorf("%s: %w", p.Role, err)
	}
	program, err := Build(cfg, p.AgentURL, p.AgentSHA256, p.TimeZone)
	if err != nil {
		return cloudconfig.Document{}, fmt.Errorf("%s: %w", p.Role, err)
	}
	agentYAML, err := cfg.Marshal()
	if err != nil {
		return cloudconfig.Document{}, err
	}

	doc := cloudconfig.Document{
		Timezone: p.TimeZone,
		FQDN:     p.FQDN,
		Apt:      &cloudconfig.Apt{Sources: aptSources},
		Packages: append([]string(nil), packages...),
	}
	if p.FQDN != "" {
		doc.Hostname = strings.SplitN(p.FQDN, ".", 2)[0]
	}

	doc.WriteFiles = append(doc.WriteFiles,
		cloudconfig.File{
			Path:    "/etc/sysctl.d/enable-ipv4-forwarding.conf",
			Content: "net.ipv4.conf.all.forwarding=1\n",
		},
		cloudconfig.File{
			Path:    "/etc/sysctl.d/lower-fs-inodes-eviction-from-cache.conf",
			Content: "vm.vfs_cache_pressure=0\nvm.swappiness=10\n",
		},
		cloudconfig.File{
			Path:        agentconfig.Path,
			Permissions: "0644",
			Content:     agentYAML,
		},
	)
	doc.WriteFiles = append(doc.WriteFiles, program.Files()...)
	doc.WriteFiles = append(doc.WriteFiles, cloudconfig.File{
		Path:        "/home/" + cfg.User + "/.bash_profile",
		Owner:       cfg.User + ":" + cfg.User,
		Permissions: "0644",
		Defer:       true,
		Content: dedent.Dedent(fmt.Sprintf(`
			#!/bin/bash
			if [ -d %[1]s ]; then
			  cd %[1]s
			  echo '$ docker compose ps'
			  docker --log-level=ERROR compose ps --format="table {{.Service}}\t{{.Status}}\t{{.Ports}}"
			  echo
			fi
		`, checkoutDir(cfg))),
	})

	if p.SwapSizeGB > 0 {
		size := fmt.Sprintf("%dG", p.SwapSizeGB)
		doc.Swap = &cloudconfig.Swap{Filename: "/swapfile", Size: size, MaxSize: size}
	}
	if p.Tmpfs != nil {
		doc.Bootcmd = append(doc.Bootcmd, "mkdir -p "+Quote(p.Tmpfs.Path))
		doc.Mounts = append(doc.Mounts, []string{
			"tmpfs", p.Tmpfs.Path, "tmpfs",
			fmt.Sprintf("defaults,noatime,size=%dG", p.Tmpfs.MaxSizeGB),
			"0", "0",
		})
	}
	return doc, nil
}

// UserData renders the user data payload of a role.
func UserData(p Params) (string, error) {
	doc, err := BuildDocument(p)
	if err != nil {
		return "", err
	}
	return cloudconfig.Dump(doc)
}

func checkoutDir(cfg *agentconfig.Config) string {
	dir := cfg.Repository.Dir
	if cfg.Repository.Path != "." {
		dir += "/" + cfg.Repository.Path
	}
	return dir
}
