package bootprog

import (
	"fmt"
	"strings"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
)

// AgentPath is where install-agent puts the ci-storage-agent binary.
const AgentPath = "/usr/local/bin/ci-storage-agent"

// ConvergeSchedule is the cron schedule of the convergence run.
const ConvergeSchedule = "*/1 * * * *"

// Step ids.
const (
	StepInstallAgent          = "install-agent"
	StepDefineTZEnv           = "define-tz-env"
	StepDockerShutdownTimeout = "increase-docker-shutdown-timeout"
	StepSSMUserLogin          = "switch-ssm-user-on-login"
	StepDockerGroup           = "add-user-to-docker-group"
	StepHandoffVolume         = "handoff-volume"
	StepHandoffTmpfs          = "handoff-tmpfs"
	StepConverge              = "converge"
)

func installAgentStep(url, sha256 string) Step {
	tmp := AgentPath + ".download"
	var b strings.Builder
	fmt.Fprintf(&b, "curl -fsSL --retry 10 --retry-connrefused -o %s %s\n", tmp, Quote(url))
	if sha256 != "" {
		fmt.Fprintf(&b, "echo %s | sha256sum -c -\n", Quote(sha256+"  "+tmp))
	}
	fmt.Fprintf(&b, "chmod 0755 %s\n", tmp)
	fmt.Fprintf(&b, "mv -f %s %s\n", tmp, AgentPath)
	fmt.Fprintf(&b, "%s version\n", AgentPath)
	return Step{ID: StepInstallAgent, Trigger: OneTime, Body: b.String()}
}

func defineTZEnvStep(timeZone string) Step {
	return Step{
		ID:      StepDefineTZEnv,
		Trigger: OneTime,
		Body:    fmt.Sprintf("echo %s >> /etc/environment\n", Quote(fmt.Sprintf("TZ=%q", timeZone))),
	}
}

func dockerShutdownTimeoutStep() Step {
	return Step{
		ID:      StepDockerShutdownTimeout,
		Trigger: OneTime,
		Body: `
			# Give running CI jobs time to finish when the instance is stopped.
			sed -i -E '/TimeoutStartSec=.*/a TimeoutStopSec=3600' /usr/lib/systemd/system/docker.service
			systemctl daemon-reload
		`,
	}
}

func ssmUserLoginStep(user string) Step {
	return Step{
		ID:      StepSSMUserLogin,
		Trigger: OneTime,
		Body: fmt.Sprintf(`
			echo '[ "$0$@" = "sh" ] && ENV= sudo -u %[1]s -i' > /etc/profile.ssm-user
			mkdir -p /etc/systemd/system/snap.amazon-ssm-agent.amazon-ssm-agent.service.d/
			(
			  echo '[Service]'
			  echo 'Environment="ENV=/etc/profile.ssm-user"'
			) > /etc/systemd/system/snap.amazon-ssm-agent.amazon-ssm-agent.service.d/sh-env.conf
			systemctl daemon-reload
			systemctl restart snap.amazon-ssm-agent.amazon-ssm-agent.service || true
		`, user),
	}
}

func dockerGroupStep(user string) Step {
	return Step{
		ID:      StepDockerGroup,
		Trigger: OneTime,
		Body:    fmt.Sprintf("usermod -aG docker %s\n", Quote(user)),
	}
}

func agentStep(id string, trigger Trigger, command string) Step {
	return Step{
		ID:      id,
		Trigger: trigger,
		Body:    fmt.Sprintf("exec %s --config %s %s\n", AgentPath, agentconfig.Path, command),
	}
}

func convergeStep(user string) Step {
	s := agentStep(StepConverge, Periodic, "converge")
	s.Schedule = ConvergeSchedule
	s.User = user
	return s
}

// Build assembles the boot program of a role. cfg must already carry the
// hand-off settings the role needs.
func Build(cfg *agentconfig.Config, agentURL, agentSHA256, timeZone string) (Program, error) {
	if agentURL == "" {
		return Program{}, fmt.Errorf("agent download url is required")
	}

	var p Program
	p.Add(installAgentStep(agentURL, agentSHA256))
	if timeZone != "" {
		p.Add(defineTZEnvStep(timeZone))
	}
	p.Add(dockerShutdownTimeoutStep())
	p.Add(ssmUserLoginStep(cfg.User))
	p.Add(dockerGroupStep(cfg.User))
	switch {
	case cfg.Volume != nil:
		p.Add(agentStep(StepHandoffVolume, OneTime, "handoff-volume"))
	case cfg.Tmpfs != nil:
		p.Add(agentStep(StepHandoffTmpfs, OneTime, "handoff-tmpfs"))
	}
	p.Add(convergeStep(cfg.User))

	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}
