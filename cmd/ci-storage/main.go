// ci-storage AWS Infrastructure
//
// Provisions a self-hosted GitHub Actions runner pool with:
//   - an autoscaling group of runners (mixed spot/on-demand, step scaling on
//     the ActiveRunnersPercent metric, scheduled minimum capacity)
//   - N host instances running shared services, optionally keeping
//     /var/lib/docker on a data volume handed off across replacements
//   - an SSH key pair whose private half lives in Secrets Manager
//
// Every instance boots ci-storage-agent, which converges it to the docker
// compose directory named by ghDockerComposeDirectoryUrl.
//
// Deployment:
//  1. Generate a key: ci-storage-agent keygen > key && pulumi config set --secret ci-storage:sshPrivateKey < key
//  2. Configure: pulumi config set ci-storage:vpcId vpc-xxxx (see Pulumi.yaml)
//  3. Deploy: pulumi up
package main

import (
	"fmt"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"

	"github.com/clickup/ci-storage-cdk/internal/stack"
)

func main() {
	pulumi.Run(func(ctx *pulumi.Context) error {
		cfg := config.New(ctx, "ci-storage")

		// --- Configuration ---

		args := &stack.Args{
			VpcID:                 cfg.Require("vpcId"),
			InstanceNamePrefix:    cfg.Get("instanceNamePrefix"),
			GitHubTokenSecretName: cfg.Require("ghTokenSecretName"),
			TimeZone:              cfg.Get("timeZone"),
			SSHPrivateKey:         cfg.RequireSecret("sshPrivateKey"),
			AgentURL:              cfg.Require("agentUrl"),
			AgentSHA256:           cfg.Get("agentSha256"),
			MetricsTextfile:       cfg.Get("metricsTextfile"),
		}
		if args.InstanceNamePrefix == "" {
			args.InstanceNamePrefix = ctx.Stack()
		}
		if args.TimeZone == "" {
			args.TimeZone = "Etc/UTC"
		}
		cfg.RequireObject("subnetIds", &args.SubnetIDs)
		cfg.RequireObject("runner", &args.Runner)
		cfg.RequireObject("host", &args.Host)

		// Optional hosted zone for host DNS names.
		var zone stack.HostedZone
		if err := cfg.GetObject("hostedZone", &zone); err != nil {
			return err
		}
		if zone.ID != "" {
			args.HostedZone = &zone
		}
		if err := cfg.GetObject("inlinePolicies", &args.InlinePolicies); err != nil {
			return err
		}

		// --- Defaults ---

		if args.Runner.VolumeGB == 0 {
			args.Runner.VolumeGB = 40
		}
		if args.Host.InstanceType == "" {
			args.Host.InstanceType = "m7g.xlarge"
		}
		if args.Host.Machines == 0 {
			args.Host.Machines = 1
		}

		cs, err := stack.NewCiStorage(ctx, args.InstanceNamePrefix, args)
		if err != nil {
			return err
		}

		// --- Outputs ---

		ctx.Export("securityGroupId", cs.SecurityGroup.ID())
		ctx.Export("keyPairName", cs.KeyPair.KeyName)
		ctx.Export("keyPairPrivateKeySecretName", pulumi.String(cs.KeyPairPrivateKeySecretName))
		ctx.Export("autoScalingGroupName", cs.AutoScalingGroup.Name)
		ctx.Export("launchTemplateId", cs.LaunchTemplate.ID())

		for i, host := range cs.Hosts {
			ctx.Export(hostKey(i, "InstanceId"), host.Instance.ID())
			ctx.Export(hostKey(i, "PrivateIp"), host.Instance.PrivateIp)
			ctx.Export(hostKey(i, "Name"), pulumi.String(host.Name))
			if host.Volume != nil {
				ctx.Export(hostKey(i, "VolumeId"), host.Volume.ID())
			}
		}

		return nil
	})
}

// hostKey names a per-host output, e.g. "host001PrivateIp".
func hostKey(i int, field string) string {
	return fmt.Sprintf("host%03d%s", i+1, field)
}
