package stack

import (
	"fmt"
	"strings"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Args configures a CiStorage deployment. Every field is a plain value so
// the component can be driven from stack configuration.
type Args struct {
	VpcID string
	// SubnetIDs are the runner subnets; hosts and their volumes live in the
	// first one.
	SubnetIDs []string
	// InstanceNamePrefix prefixes every instance name and host name.
	InstanceNamePrefix string
	HostedZone         *HostedZone
	// GitHubTokenSecretName names a pre-existing Secrets Manager secret
	// holding a GitHub PAT.
	GitHubTokenSecretName string
	TimeZone              string
	// SSHPrivateKey is the deployment key; see "ci-storage-agent keygen".
	SSHPrivateKey pulumi.StringInput
	// AgentURL is where instances download ci-storage-agent from.
	AgentURL    string
	AgentSHA256 string
	// MetricsTextfile, when set, receives convergence gauges on every
	// instance.
	MetricsTextfile string
	// InlinePolicies are extra IAM policy documents (JSON) attached to both
	// instance roles, by policy name.
	InlinePolicies map[string]string
	Runner         RunnerArgs
	Host           HostArgs
}

// HostedZone registers host instances as <name>.<ZoneName>.
type HostedZone struct {
	ID       string `json:"hostedZoneId"`
	ZoneName string `json:"zoneName"`
}

// RunnerArgs configures the self-hosted runner pool.
type RunnerArgs struct {
	// GitHubRepository is "{owner}/{repository}" the pool serves.
	GitHubRepository string `json:"ghRepository"`
	// DirectoryURL is the compose directory, see repourl.Parse.
	DirectoryURL string `json:"ghDockerComposeDirectoryUrl"`
	// ImageSSMName is an SSM parameter holding the AMI id.
	ImageSSMName         string                 `json:"imageSsmName"`
	VolumeGB             int                    `json:"volumeGb"`
	SwapSizeGB           int                    `json:"swapSizeGb"`
	TmpfsMaxSizeGB       int                    `json:"tmpfsMaxSizeGb"`
	Images               []string               `json:"images"`
	InstanceRequirements []InstanceRequirements `json:"instanceRequirements"`
	Scale                Scale                  `json:"scale"`
}

// InstanceRequirements selects instance types for the mixed instances
// policy.
type InstanceRequirements struct {
	VCPUMin              int      `json:"vCpuMin"`
	VCPUMax              int      `json:"vCpuMax"`
	MemoryMiBMin         int      `json:"memoryMiBMin"`
	MemoryMiBMax         int      `json:"memoryMiBMax"`
	CPUManufacturers     []string `json:"cpuManufacturers"`
	InstanceGenerations  []string `json:"instanceGenerations"`
	BurstablePerformance string   `json:"burstablePerformance"`
	BareMetal            string   `json:"bareMetal"`
}

// Scale configures the runner group capacity.
type Scale struct {
	OnDemandPercentageAboveBaseCapacity int                     `json:"onDemandPercentageAboveBaseCapacity"`
	MaxActiveRunnersPercent             MaxActiveRunnersPercent `json:"maxActiveRunnersPercent"`
	MinCapacity                         []MinCapacity           `json:"minCapacity"`
	MaxCapacity                         int                     `json:"maxCapacity"`
	MaxInstanceLifetimeSec              int                     `json:"maxInstanceLifetimeSec"`
}

// MaxActiveRunnersPercent is the busy-runners target the group scales on.
type MaxActiveRunnersPercent struct {
	PeriodSec    int `json:"periodSec"`
	Value        int `json:"value"`
	ScalingSteps int `json:"scalingSteps"`
}

// MinCapacity sets the group's minimum size on a schedule.
type MinCapacity struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
	Cron  Cron   `json:"cron"`
}

// Cron is a schedule in the fields of a crontab line. Unset fields match
// every value, except Minute which defaults to "0".
type Cron struct {
	Minute   string `json:"minute"`
	Hour     string `json:"hour"`
	Day      string `json:"day"`
	Month    string `json:"month"`
	WeekDay  string `json:"weekDay"`
	TimeZone string `json:"timeZone"`
}

// Expression renders the crontab schedule.
func (c Cron) Expression() string {
	field := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return strings.Join([]string{
		field(c.Minute, "0"),
		field(c.Hour, "*"),
		field(c.Day, "*"),
		field(c.Month, "*"),
		field(c.WeekDay, "*"),
	}, " ")
}

// HostArgs configures the host instances.
type HostArgs struct {
	DirectoryURL    string   `json:"ghDockerComposeDirectoryUrl"`
	ComposeProfiles []string `json:"dockerComposeProfiles"`
	ImageSSMName    string   `json:"imageSsmName"`
	SwapSizeGB      int      `json:"swapSizeGb"`
	// TmpfsMaxSizeGB mounts /var/lib/docker on tmpfs, mirrored from the
	// previous instance on replacement.
	TmpfsMaxSizeGB int `json:"tmpfsMaxSizeGb"`
	// DataVolumeGB creates a block volume per host that survives instance
	// replacement and holds /var/lib/docker.
	DataVolumeGB int      `json:"dataVolumeGb"`
	Images       []string `json:"images"`
	InstanceType string   `json:"instanceType"`
	Machines     int      `json:"machines"`
	Ports        []Port   `json:"ports"`
}

// Port is opened from runners and hosts to hosts.
type Port struct {
	Port        int    `json:"port"`
	Description string `json:"description"`
}

func (a *Args) validate() error {
	switch {
	case a.VpcID == "":
		return fmt.Errorf("vpcId is required")
	case len(a.SubnetIDs) == 0:
		return fmt.Errorf("subnetIds is required")
	case a.InstanceNamePrefix == "":
		return fmt.Errorf("instanceNamePrefix is required")
	case a.GitHubTokenSecretName == "":
		return fmt.Errorf("ghTokenSecretName is required")
	case a.SSHPrivateKey == nil:
		return fmt.Errorf("sshPrivateKey is required")
	case a.AgentURL == "":
		return fmt.Errorf("agentUrl is required")
	case a.Runner.GitHubRepository == "":
		return fmt.Errorf("runner.ghRepository is required")
	case len(a.Runner.InstanceRequirements) == 0:
		return fmt.Errorf("runner.instanceRequirements needs at least one entry")
	case a.Runner.Scale.MaxCapacity <= 0:
		return fmt.Errorf("runner.scale.maxCapacity must be positive")
	case a.Runner.Scale.MaxActiveRunnersPercent.Value <= 0 || a.Runner.Scale.MaxActiveRunnersPercent.Value >= 100:
		return fmt.Errorf("runner.scale.maxActiveRunnersPercent.value must be within (0, 100)")
	case a.Host.TmpfsMaxSizeGB > 0 && a.Host.DataVolumeGB > 0:
		return fmt.Errorf("host.tmpfsMaxSizeGb and host.dataVolumeGb are mutually exclusive")
	}
	return nil
}
