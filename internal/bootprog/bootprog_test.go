package bootprog

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/cloudconfig"
	"github.com/clickup/ci-storage-cdk/internal/repourl"
)

func hostParams() Params {
	return Params{
		Role:                  agentconfig.RoleHost,
		FQDN:                  "my-ci-host-001.test-zoneName",
		TimeZone:              "America/Los_Angeles",
		DirectoryURL:          "https://github.com/dimikot/ci-storage#:docker",
		GitHubTokenSecretName: "ci-storage/gh-token",
		PrivateKeySecretName:  "ec2-ssh-key/key/private",
		ComposeProfiles:       []string{"ci"},
		AgentURL:              "https://example.com/ci-storage-agent",
		AgentSHA256:           "abc123",
		Tmpfs:                 &TmpfsParams{Path: "/var/lib/docker", MaxSizeGB: 4, PeerName: "my-ci-host-001.test-zoneName"},
	}
}

func runnerParams() Params {
	var env agentconfig.Env
	env.Set("GH_REPOSITORY", "time-loop/slapdash")
	env.Set("GH_LABELS", "my-ci,ci-storage")
	env.Set("FORWARD_HOST", "my-ci-host-001.test-zoneName")
	return Params{
		Role:                  agentconfig.RoleRunner,
		DirectoryURL:          "https://github.com/dimikot/ci-storage#:docker",
		GitHubTokenSecretName: "ci-storage/gh-token",
		PrivateKeySecretName:  "ec2-ssh-key/key/private",
		ComposeEnv:            env,
		AgentURL:              "https://example.com/ci-storage-agent",
		SwapSizeGB:            8,
		Tmpfs:                 &TmpfsParams{Path: "/var/lib/docker", MaxSizeGB: 4},
		LifecycleHook:         "runner-launch",
	}
}

func filePaths(files []cloudconfig.File) []string {
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

func TestProgram_FilesKeepOrderAcrossDirectories(t *testing.T) {
	var p Program
	p.Add(Step{ID: "first", Trigger: OneTime, Body: "echo 1"})
	p.Add(Step{ID: "second", Trigger: EveryBoot, Body: "echo 2"})
	p.Add(Step{ID: "third", Trigger: Periodic, Body: "echo 3", Schedule: "*/5 * * * *", User: "ubuntu"})

	files := p.Files()

	assert.Equal(t, []string{
		"/var/lib/cloud/scripts/per-once/00-first.sh",
		"/var/lib/cloud/scripts/per-boot/01-second.sh",
		"/usr/local/lib/ci-storage/02-third.sh",
		"/var/lib/cloud/scripts/per-boot/02-third.sh",
	}, filePaths(files))
	for _, f := range files {
		assert.Equal(t, "0755", f.Permissions)
		assert.True(t, strings.HasPrefix(f.Content, "#!/bin/bash\n"+Preamble+"\n"), f.Path)
	}

	installer := files[3].Content
	assert.Contains(t, installer,
		"echo '*/5 * * * * ubuntu /usr/local/lib/ci-storage/02-third.sh 2>&1 | logger -t third' > /etc/cron.d/ci-storage-third\n")
	assert.True(t, strings.HasSuffix(installer, "exec /usr/local/lib/ci-storage/02-third.sh\n"))
}

func TestProgram_Validate(t *testing.T) {
	dup := Program{Steps: []Step{{ID: "a"}, {ID: "a"}}}
	assert.ErrorContains(t, dup.Validate(), "duplicate")

	unscheduled := Program{Steps: []Step{{ID: "p", Trigger: Periodic}}}
	assert.ErrorContains(t, unscheduled.Validate(), "schedule")

	badID := Program{Steps: []Step{{ID: "a/b"}}}
	assert.Error(t, badID.Validate())
}

func TestBuild_HostOrder(t *testing.T) {
	cfg, err := AgentConfig(hostParams())
	require.NoError(t, err)

	p, err := Build(cfg, "https://example.com/agent", "", "UTC")
	require.NoError(t, err)

	var ids []string
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{
		StepInstallAgent,
		StepDefineTZEnv,
		StepDockerShutdownTimeout,
		StepSSMUserLogin,
		StepDockerGroup,
		StepHandoffTmpfs,
		StepConverge,
	}, ids)

	converge, ok := p.Step(StepConverge)
	require.True(t, ok)
	assert.Equal(t, Periodic, converge.Trigger)
	assert.Equal(t, "ubuntu", converge.User)
	assert.Contains(t, converge.Body, "exec /usr/local/bin/ci-storage-agent --config /etc/ci-storage/agent.yaml converge")
}

func TestBuild_RequiresAgentURL(t *testing.T) {
	cfg, err := AgentConfig(runnerParams())
	require.NoError(t, err)

	_, err = Build(cfg, "", "", "")
	assert.Error(t, err)
}

func TestAgentConfig_EmbedsParsedRepository(t *testing.T) {
	cfg, err := AgentConfig(runnerParams())
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/dimikot/ci-storage", cfg.Repository.URL)
	assert.Equal(t, "", cfg.Repository.Branch)
	assert.Equal(t, "docker", cfg.Repository.Path)
	assert.Nil(t, cfg.Tmpfs, "runners mount tmpfs without a peer hand-off")
	assert.Nil(t, cfg.Volume)
	assert.Equal(t, "runner-launch", cfg.LifecycleHook)
}

func TestAgentConfig_MalformedURL(t *testing.T) {
	p := runnerParams()
	p.DirectoryURL = "https://github.com/o/r#main"

	_, err := BuildDocument(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repourl.ErrMalformedRepositoryURL))
}

func TestBuildDocument_Runner(t *testing.T) {
	doc, err := BuildDocument(runnerParams())
	require.NoError(t, err)

	assert.Empty(t, doc.FQDN)
	assert.Equal(t, &cloudconfig.Swap{Filename: "/swapfile", Size: "8G", MaxSize: "8G"}, doc.Swap)
	assert.Equal(t, []string{"mkdir -p /var/lib/docker"}, doc.Bootcmd)
	assert.Equal(t, [][]string{{"tmpfs", "/var/lib/docker", "tmpfs", "defaults,noatime,size=4G", "0", "0"}}, doc.Mounts)
	assert.Contains(t, doc.Packages, "gosu")

	var agentYAML string
	for _, f := range doc.WriteFiles {
		if f.Path == agentconfig.Path {
			agentYAML = f.Content
		}
	}
	require.NotEmpty(t, agentYAML)
	loaded, err := agentconfig.FromYAML([]byte(agentYAML))
	require.NoError(t, err)
	assert.Equal(t, runnerParams().ComposeEnv, loaded.Compose.Env)

	paths := filePaths(doc.WriteFiles)
	assert.Contains(t, paths, "/var/lib/cloud/scripts/per-once/00-install-agent.sh")
	assert.Contains(t, paths, "/var/lib/cloud/scripts/per-boot/04-converge.sh")
	assert.NotContains(t, paths, "/var/lib/cloud/scripts/per-once/04-handoff-tmpfs.sh")
}

func TestBuildDocument_HostWithVolume(t *testing.T) {
	p := hostParams()
	p.Tmpfs = nil
	p.VolumeID = "vol-0123456789abcdef0"

	doc, err := BuildDocument(p)
	require.NoError(t, err)

	assert.Equal(t, "my-ci-host-001", doc.Hostname)
	assert.Contains(t, filePaths(doc.WriteFiles), "/var/lib/cloud/scripts/per-once/05-handoff-volume.sh")
	assert.Nil(t, doc.Mounts)
}

func TestUserData_Deterministic(t *testing.T) {
	a, err := UserData(hostParams())
	require.NoError(t, err)
	b, err := UserData(hostParams())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, cloudconfig.Header))
	assert.Contains(t, a, "sha256sum -c -")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "plain/path-1.sh", Quote("plain/path-1.sh"))
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, `'a b'`, Quote("a b"))
	assert.Equal(t, `'it'"'"'s'`, Quote("it's"))
}
