package stack

import (
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ebs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/route53"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/bootprog"
)

// Host is one host instance.
type Host struct {
	// Name is the instance Name tag: the FQDN when a hosted zone is set,
	// otherwise the bare host name.
	Name     string
	FQDN     string
	Instance *ec2.Instance
	// Volume is set when hosts keep /var/lib/docker on a data volume.
	Volume *ebs.Volume
}

// Address is how runners reach the host.
func (h *Host) Address() pulumi.StringOutput {
	if h.FQDN != "" {
		return pulumi.String(h.FQDN).ToStringOutput()
	}
	return h.Instance.PrivateIp
}

// hostSpec defines per-host configuration for newHost.
type hostSpec struct {
	index            int
	ami              string
	subnetID         string
	availabilityZone string
	profile          *iam.InstanceProfile
}

func (c *CiStorage) hostParams(args *Args, name, fqdn string) bootprog.Params {
	p := bootprog.Params{
		Role:                  agentconfig.RoleHost,
		FQDN:                  fqdn,
		TimeZone:              args.TimeZone,
		DirectoryURL:          args.Host.DirectoryURL,
		GitHubTokenSecretName: args.GitHubTokenSecretName,
		PrivateKeySecretName:  c.KeyPairPrivateKeySecretName,
		ComposeProfiles:       args.Host.ComposeProfiles,
		Images:                args.Host.Images,
		AgentURL:              args.AgentURL,
		AgentSHA256:           args.AgentSHA256,
		SwapSizeGB:            args.Host.SwapSizeGB,
		MetricsTextfile:       args.MetricsTextfile,
	}
	if args.Host.TmpfsMaxSizeGB > 0 {
		p.Tmpfs = &bootprog.TmpfsParams{
			Path:      "/var/lib/docker",
			MaxSizeGB: args.Host.TmpfsMaxSizeGB,
			PeerName:  name,
		}
	}
	return p
}

func (c *CiStorage) newHost(ctx *pulumi.Context, args *Args, spec hostSpec) (*Host, error) {
	id := c.prefix.With("host", fmt.Sprintf("%03d", spec.index))
	recordName := id.Kebab()
	host := &Host{Name: recordName}
	if args.HostedZone != nil {
		host.FQDN = recordName + "." + strings.TrimSuffix(args.HostedZone.ZoneName, ".")
		host.Name = host.FQDN
	}

	params := c.hostParams(args, host.Name, host.FQDN)
	// Validate eagerly so configuration errors surface at preview time.
	if _, err := bootprog.AgentConfig(params); err != nil {
		return nil, fmt.Errorf("host %s: %w", recordName, err)
	}

	volumeID := pulumi.String("").ToStringOutput()
	if args.Host.DataVolumeGB > 0 {
		volume, err := ebs.NewVolume(ctx, id.With("data").Kebab(), &ebs.VolumeArgs{
			AvailabilityZone: pulumi.String(spec.availabilityZone),
			Size:             pulumi.Int(args.Host.DataVolumeGB),
			Type:             pulumi.String("gp3"),
			Encrypted:        pulumi.Bool(true),
			Tags:             c.tags(id.With("data").Kebab()),
		}, pulumi.Parent(c), pulumi.Protect(true))
		if err != nil {
			return nil, fmt.Errorf("data volume %s: %w", recordName, err)
		}
		host.Volume = volume
		volumeID = volume.ID().ToStringOutput()
	}

	userData := volumeID.ApplyT(func(volumeID string) (string, error) {
		p := params
		p.VolumeID = volumeID
		return bootprog.UserData(p)
	}).(pulumi.StringOutput)

	instance, err := ec2.NewInstance(ctx, id.With("instance").Kebab(), &ec2.InstanceArgs{
		Ami:                     pulumi.String(spec.ami),
		InstanceType:            pulumi.String(args.Host.InstanceType),
		SubnetId:                pulumi.String(spec.subnetID),
		VpcSecurityGroupIds:     pulumi.StringArray{c.SecurityGroup.ID()},
		IamInstanceProfile:      spec.profile.Name,
		KeyName:                 c.KeyPair.KeyName,
		UserData:                userData,
		UserDataReplaceOnChange: pulumi.Bool(true),
		Monitoring:              pulumi.Bool(true),
		MetadataOptions: &ec2.InstanceMetadataOptionsArgs{
			HttpEndpoint:            pulumi.String("enabled"),
			HttpTokens:              pulumi.String("required"),
			HttpPutResponseHopLimit: pulumi.Int(2),
		},
		RootBlockDevice: &ec2.InstanceRootBlockDeviceArgs{
			VolumeSize:          pulumi.Int(20),
			VolumeType:          pulumi.String("gp3"),
			Encrypted:           pulumi.Bool(true),
			DeleteOnTermination: pulumi.Bool(true),
		},
		Tags: pulumi.StringMap{
			"Name":    pulumi.String(host.Name),
			"Project": pulumi.String("ci-storage"),
			"Role":    pulumi.String(kindHost),
		},
	}, pulumi.Parent(c))
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", recordName, err)
	}
	host.Instance = instance

	if args.HostedZone != nil {
		_, err := route53.NewRecord(ctx, id.With("a").Kebab(), &route53.RecordArgs{
			ZoneId:  pulumi.String(args.HostedZone.ID),
			Name:    pulumi.String(recordName),
			Type:    pulumi.String("A"),
			Ttl:     pulumi.Int(60),
			Records: pulumi.StringArray{instance.PrivateIp},
		}, pulumi.Parent(c))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", recordName, err)
		}
	}
	return host, nil
}
