package stack

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/bootprog"
	"github.com/clickup/ci-storage-cdk/internal/scaling"
)

const (
	// LaunchHook holds new runners out of service until they converge.
	LaunchHook = "runner-launch"

	// MetricNamespace and MetricName identify the busy-runners metric the
	// runner workload publishes, dimensioned by GH_REPOSITORY.
	MetricNamespace = "ci-storage/metrics"
	MetricName      = "ActiveRunnersPercent"

	defaultScalingSteps = 6
	defaultPeriodSec    = 10
	launchHookTimeout   = 900
)

// stepAdjustment is one interval of a step scaling policy, with bounds
// relative to the alarm threshold.
type stepAdjustment struct {
	lower  *int
	upper  *int
	change int
}

// stepPolicy is a scaling policy together with the alarm that triggers it.
type stepPolicy struct {
	name        string
	comparison  string
	threshold   int
	adjustments []stepAdjustment
}

// stepPolicies splits scaling.PercentSteps into a scale-in and a scale-out
// policy. Steps that would not change capacity are dropped.
func stepPolicies(target, steps int) []stepPolicy {
	var in, out []scaling.Step
	for _, s := range scaling.PercentSteps(target, steps) {
		switch {
		case s.Change < 0:
			in = append(in, s)
		case s.Change > 0:
			out = append(out, s)
		}
	}

	var policies []stepPolicy
	if len(in) > 0 {
		threshold := *in[0].Upper
		for _, s := range in {
			if s.Upper != nil && *s.Upper > threshold {
				threshold = *s.Upper
			}
		}
		policies = append(policies, stepPolicy{
			name:        "scale-in",
			comparison:  "LessThanOrEqualToThreshold",
			threshold:   threshold,
			adjustments: relative(in, threshold),
		})
	}
	if len(out) > 0 {
		threshold := *out[0].Lower
		for _, s := range out {
			if s.Lower != nil && *s.Lower < threshold {
				threshold = *s.Lower
			}
		}
		policies = append(policies, stepPolicy{
			name:        "scale-out",
			comparison:  "GreaterThanOrEqualToThreshold",
			threshold:   threshold,
			adjustments: relative(out, threshold),
		})
	}
	return policies
}

func relative(steps []scaling.Step, threshold int) []stepAdjustment {
	shift := func(v *int) *int {
		if v == nil {
			return nil
		}
		r := *v - threshold
		return &r
	}
	out := make([]stepAdjustment, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepAdjustment{lower: shift(s.Lower), upper: shift(s.Upper), change: s.Change})
	}
	return out
}

func bound(v *int) pulumi.StringPtrInput {
	if v == nil {
		return nil
	}
	return pulumi.String(strconv.Itoa(*v))
}

func (c *CiStorage) runnerParams(args *Args, forwardHost string) bootprog.Params {
	p := bootprog.Params{
		Role:                  agentconfig.RoleRunner,
		TimeZone:              args.TimeZone,
		DirectoryURL:          args.Runner.DirectoryURL,
		GitHubTokenSecretName: args.GitHubTokenSecretName,
		PrivateKeySecretName:  c.KeyPairPrivateKeySecretName,
		ComposeEnv: agentconfig.Env{
			{Name: "GH_REPOSITORY", Value: args.Runner.GitHubRepository},
			{Name: "GH_LABELS", Value: c.prefix.Kebab() + ",ci-storage"},
			{Name: "FORWARD_HOST", Value: forwardHost},
		},
		Images:          args.Runner.Images,
		AgentURL:        args.AgentURL,
		AgentSHA256:     args.AgentSHA256,
		SwapSizeGB:      args.Runner.SwapSizeGB,
		LifecycleHook:   LaunchHook,
		MetricsTextfile: args.MetricsTextfile,
	}
	if args.Runner.TmpfsMaxSizeGB > 0 {
		p.Tmpfs = &bootprog.TmpfsParams{Path: "/var/lib/docker", MaxSizeGB: args.Runner.TmpfsMaxSizeGB}
	}
	return p
}

func (c *CiStorage) newRunners(ctx *pulumi.Context, args *Args, ami string, profile *iam.InstanceProfile) error {
	id := c.prefix.With(kindRunner)

	if _, err := bootprog.AgentConfig(c.runnerParams(args, "")); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	forwardHost := pulumi.String("").ToStringOutput()
	if len(c.Hosts) > 0 {
		forwardHost = c.Hosts[0].Address()
	}
	userData := forwardHost.ApplyT(func(host string) (string, error) {
		data, err := bootprog.UserData(c.runnerParams(args, host))
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString([]byte(data)), nil
	}).(pulumi.StringOutput)

	// --- Launch Template ---

	lt, err := ec2.NewLaunchTemplate(ctx, id.Kebab(), &ec2.LaunchTemplateArgs{
		Name:                 pulumi.String(id.Kebab()),
		ImageId:              pulumi.String(ami),
		KeyName:              c.KeyPair.KeyName,
		UserData:             userData,
		VpcSecurityGroupIds:  pulumi.StringArray{c.SecurityGroup.ID()},
		UpdateDefaultVersion: pulumi.Bool(true),
		IamInstanceProfile: &ec2.LaunchTemplateIamInstanceProfileArgs{
			Name: profile.Name,
		},
		BlockDeviceMappings: ec2.LaunchTemplateBlockDeviceMappingArray{
			&ec2.LaunchTemplateBlockDeviceMappingArgs{
				DeviceName: pulumi.String("/dev/sda1"),
				Ebs: &ec2.LaunchTemplateBlockDeviceMappingEbsArgs{
					VolumeSize:          pulumi.Int(args.Runner.VolumeGB),
					VolumeType:          pulumi.String("gp3"),
					Encrypted:           pulumi.String("true"),
					DeleteOnTermination: pulumi.String("true"),
				},
			},
		},
		MetadataOptions: &ec2.LaunchTemplateMetadataOptionsArgs{
			HttpEndpoint:            pulumi.String("enabled"),
			HttpTokens:              pulumi.String("required"),
			HttpPutResponseHopLimit: pulumi.Int(2),
		},
		Monitoring: &ec2.LaunchTemplateMonitoringArgs{Enabled: pulumi.Bool(true)},
		TagSpecifications: ec2.LaunchTemplateTagSpecificationArray{
			&ec2.LaunchTemplateTagSpecificationArgs{
				ResourceType: pulumi.String("volume"),
				Tags:         c.tags(id.Kebab()),
			},
		},
		Tags: c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return fmt.Errorf("launch template: %w", err)
	}
	c.LaunchTemplate = lt

	// --- Auto Scaling Group ---

	overrides := autoscaling.GroupMixedInstancesPolicyLaunchTemplateOverrideArray{}
	for _, r := range args.Runner.InstanceRequirements {
		req := &autoscaling.GroupMixedInstancesPolicyLaunchTemplateOverrideInstanceRequirementsArgs{
			VcpuCount: &autoscaling.GroupMixedInstancesPolicyLaunchTemplateOverrideInstanceRequirementsVcpuCountArgs{
				Min: pulumi.Int(r.VCPUMin),
				Max: optionalInt(r.VCPUMax),
			},
			MemoryMib: &autoscaling.GroupMixedInstancesPolicyLaunchTemplateOverrideInstanceRequirementsMemoryMibArgs{
				Min: pulumi.Int(r.MemoryMiBMin),
				Max: optionalInt(r.MemoryMiBMax),
			},
			CpuManufacturers:    pulumi.ToStringArray(r.CPUManufacturers),
			InstanceGenerations: pulumi.ToStringArray(r.InstanceGenerations),
		}
		if r.BurstablePerformance != "" {
			req.BurstablePerformance = pulumi.String(r.BurstablePerformance)
		}
		if r.BareMetal != "" {
			req.BareMetal = pulumi.String(r.BareMetal)
		}
		overrides = append(overrides, &autoscaling.GroupMixedInstancesPolicyLaunchTemplateOverrideArgs{
			InstanceRequirements: req,
		})
	}

	scale := args.Runner.Scale
	group := &autoscaling.GroupArgs{
		Name:                  pulumi.String(id.Kebab()),
		MinSize:               pulumi.Int(0),
		MaxSize:               pulumi.Int(scale.MaxCapacity),
		VpcZoneIdentifiers:    pulumi.ToStringArray(args.SubnetIDs),
		DefaultCooldown:       pulumi.Int(30),
		DefaultInstanceWarmup: pulumi.Int(60),
		EnabledMetrics: pulumi.StringArray{
			pulumi.String("GroupDesiredCapacity"),
			pulumi.String("GroupInServiceInstances"),
			pulumi.String("GroupPendingInstances"),
			pulumi.String("GroupTerminatingInstances"),
			pulumi.String("GroupTotalInstances"),
		},
		MixedInstancesPolicy: &autoscaling.GroupMixedInstancesPolicyArgs{
			InstancesDistribution: &autoscaling.GroupMixedInstancesPolicyInstancesDistributionArgs{
				OnDemandAllocationStrategy:          pulumi.String("lowest-price"),
				OnDemandBaseCapacity:                pulumi.Int(0),
				OnDemandPercentageAboveBaseCapacity: pulumi.Int(scale.OnDemandPercentageAboveBaseCapacity),
				SpotAllocationStrategy:              pulumi.String("price-capacity-optimized"),
			},
			LaunchTemplate: &autoscaling.GroupMixedInstancesPolicyLaunchTemplateArgs{
				LaunchTemplateSpecification: &autoscaling.GroupMixedInstancesPolicyLaunchTemplateLaunchTemplateSpecificationArgs{
					LaunchTemplateId: lt.ID().ToStringOutput(),
					Version:          pulumi.Sprintf("%d", lt.LatestVersion),
				},
				Overrides: overrides,
			},
		},
		InstanceRefresh: &autoscaling.GroupInstanceRefreshArgs{
			Strategy: pulumi.String("Rolling"),
			Preferences: &autoscaling.GroupInstanceRefreshPreferencesArgs{
				MinHealthyPercentage: pulumi.Int(50),
			},
		},
		InitialLifecycleHooks: autoscaling.GroupInitialLifecycleHookArray{
			&autoscaling.GroupInitialLifecycleHookArgs{
				Name:                pulumi.String(LaunchHook),
				LifecycleTransition: pulumi.String("autoscaling:EC2_INSTANCE_LAUNCHING"),
				DefaultResult:       pulumi.String("ABANDON"),
				HeartbeatTimeout:    pulumi.Int(launchHookTimeout),
			},
		},
		Tags: autoscaling.GroupTagArray{
			&autoscaling.GroupTagArgs{
				Key:               pulumi.String("Name"),
				Value:             pulumi.String(id.Kebab()),
				PropagateAtLaunch: pulumi.Bool(true),
			},
			&autoscaling.GroupTagArgs{
				Key:               pulumi.String("Project"),
				Value:             pulumi.String("ci-storage"),
				PropagateAtLaunch: pulumi.Bool(true),
			},
		},
	}
	if scale.MaxInstanceLifetimeSec > 0 {
		group.MaxInstanceLifetime = pulumi.Int(scale.MaxInstanceLifetimeSec)
	}
	asg, err := autoscaling.NewGroup(ctx, id.Kebab(), group, pulumi.Parent(c),
		pulumi.IgnoreChanges([]string{"desiredCapacity", "minSize"}))
	if err != nil {
		return fmt.Errorf("auto scaling group: %w", err)
	}
	c.AutoScalingGroup = asg

	// --- Scaling ---

	if err := c.newScalingPolicies(ctx, args, asg); err != nil {
		return err
	}
	for _, mc := range scale.MinCapacity {
		tz := mc.Cron.TimeZone
		if tz == "" {
			tz = args.TimeZone
		}
		schedule := &autoscaling.ScheduleArgs{
			AutoscalingGroupName: asg.Name,
			ScheduledActionName:  pulumi.String(id.With("min", mc.ID).Kebab()),
			Recurrence:           pulumi.String(mc.Cron.Expression()),
			MinSize:              pulumi.Int(mc.Value),
		}
		if tz != "" {
			schedule.TimeZone = pulumi.String(tz)
		}
		_, err := autoscaling.NewSchedule(ctx, id.With("min", mc.ID).Kebab(), schedule, pulumi.Parent(asg))
		if err != nil {
			return fmt.Errorf("schedule %s: %w", mc.ID, err)
		}
	}
	return nil
}

func (c *CiStorage) newScalingPolicies(ctx *pulumi.Context, args *Args, asg *autoscaling.Group) error {
	id := c.prefix.With(kindRunner)
	target := args.Runner.Scale.MaxActiveRunnersPercent
	steps := target.ScalingSteps
	if steps <= 0 {
		steps = defaultScalingSteps
	}
	period := target.PeriodSec
	if period <= 0 {
		period = defaultPeriodSec
	}

	for _, s := range scaling.PercentSteps(target.Value, steps) {
		_ = ctx.Log.Debug(fmt.Sprintf("%s: busy %s..%s%% -> capacity %+d%% -> busy ~%d%%",
			MetricName, pct(s.Lower), pct(s.Upper), s.Change, s.PctAfter), &pulumi.LogArgs{Resource: asg})
	}

	for _, sp := range stepPolicies(target.Value, steps) {
		adjustments := autoscaling.PolicyStepAdjustmentArray{}
		for _, a := range sp.adjustments {
			adjustments = append(adjustments, &autoscaling.PolicyStepAdjustmentArgs{
				ScalingAdjustment:        pulumi.Int(a.change),
				MetricIntervalLowerBound: bound(a.lower),
				MetricIntervalUpperBound: bound(a.upper),
			})
		}
		policy, err := autoscaling.NewPolicy(ctx, id.With(sp.name).Kebab(), &autoscaling.PolicyArgs{
			AutoscalingGroupName:   asg.Name,
			PolicyType:             pulumi.String("StepScaling"),
			AdjustmentType:         pulumi.String("PercentChangeInCapacity"),
			MetricAggregationType:  pulumi.String("Maximum"),
			MinAdjustmentMagnitude: pulumi.Int(1),
			StepAdjustments:        adjustments,
		}, pulumi.Parent(asg))
		if err != nil {
			return fmt.Errorf("%s policy: %w", sp.name, err)
		}

		_, err = cloudwatch.NewMetricAlarm(ctx, id.With(sp.name).Kebab(), &cloudwatch.MetricAlarmArgs{
			Name:               pulumi.String(id.With(sp.name).Kebab()),
			Namespace:          pulumi.String(MetricNamespace),
			MetricName:         pulumi.String(MetricName),
			Dimensions:         pulumi.StringMap{"GH_REPOSITORY": pulumi.String(args.Runner.GitHubRepository)},
			Statistic:          pulumi.String("Maximum"),
			Period:             pulumi.Int(period),
			EvaluationPeriods:  pulumi.Int(1),
			DatapointsToAlarm:  pulumi.Int(1),
			Threshold:          pulumi.Float64(float64(sp.threshold)),
			ComparisonOperator: pulumi.String(sp.comparison),
			TreatMissingData:   pulumi.String("notBreaching"),
			AlarmDescription:   pulumi.Sprintf("%s when %s crosses %d%%", sp.name, MetricName, sp.threshold),
			AlarmActions:       pulumi.Array{policy.Arn},
			Tags:               c.tags(id.With(sp.name).Kebab()),
		}, pulumi.Parent(policy))
		if err != nil {
			return fmt.Errorf("%s alarm: %w", sp.name, err)
		}
	}
	return nil
}

func pct(v *int) string {
	if v == nil {
		return "*"
	}
	return strconv.Itoa(*v)
}

func optionalInt(v int) pulumi.IntPtrInput {
	if v <= 0 {
		return nil
	}
	return pulumi.Int(v)
}
