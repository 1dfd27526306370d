// Package stack assembles the cloud resources of a ci-storage deployment: a
// pool of self-hosted runners in an autoscaling group plus a number of
// central host instances running shared services. Every instance converges
// itself from a docker compose directory in a GitHub repository.
package stack

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/clickup/ci-storage-cdk/internal/namer"
	"github.com/clickup/ci-storage-cdk/internal/sshutil"
)

// ComponentType is the Pulumi type token of CiStorage.
const ComponentType = "ci-storage:index:CiStorage"

const (
	kindRunner = "runner"
	kindHost   = "host"
)

// CiStorage is the deployment component.
type CiStorage struct {
	pulumi.ResourceState

	SecurityGroup *ec2.SecurityGroup
	KeyPair       *ec2.KeyPair
	// KeyPairPrivateKeySecretName names the secret holding the key pair's
	// private key.
	KeyPairPrivateKeySecretName string
	RunnerRole                  *iam.Role
	HostRole                    *iam.Role
	LaunchTemplate              *ec2.LaunchTemplate
	AutoScalingGroup            *autoscaling.Group
	Hosts                       []*Host

	prefix            namer.Namer
	ghTokenSecretName string
}

// NewCiStorage registers the component and all of its resources.
func NewCiStorage(ctx *pulumi.Context, name string, args *Args, opts ...pulumi.ResourceOption) (*CiStorage, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}

	c := &CiStorage{
		prefix:            namer.New(args.InstanceNamePrefix),
		ghTokenSecretName: args.GitHubTokenSecretName,
	}
	if err := ctx.RegisterComponentResource(ComponentType, name, c, opts...); err != nil {
		return nil, err
	}

	caller, err := aws.GetCallerIdentity(ctx, nil, pulumi.Parent(c))
	if err != nil {
		return nil, fmt.Errorf("caller identity: %w", err)
	}
	region, err := aws.GetRegion(ctx, nil, pulumi.Parent(c))
	if err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}

	// --- SSH Key Pair ---

	if err := c.newKeyPair(ctx, args.SSHPrivateKey); err != nil {
		return nil, err
	}

	// --- Roles ---

	profiles := map[string]*iam.InstanceProfile{}
	for _, kind := range []string{kindRunner, kindHost} {
		role, profile, err := c.newRole(ctx, kind, c.rolePolicies(kind, region.Name, caller.AccountId, args.InlinePolicies))
		if err != nil {
			return nil, err
		}
		profiles[kind] = profile
		if kind == kindRunner {
			c.RunnerRole = role
		} else {
			c.HostRole = role
		}
	}

	// --- Security Group ---

	if err := c.newSecurityGroup(ctx, args); err != nil {
		return nil, err
	}

	// --- Hosts ---

	hostAMI, err := lookupImage(ctx, args.Host.ImageSSMName, c)
	if err != nil {
		return nil, err
	}
	subnet, err := ec2.LookupSubnet(ctx, &ec2.LookupSubnetArgs{Id: &args.SubnetIDs[0]}, pulumi.Parent(c))
	if err != nil {
		return nil, fmt.Errorf("subnet %s: %w", args.SubnetIDs[0], err)
	}
	for i := 1; i <= args.Host.Machines; i++ {
		host, err := c.newHost(ctx, args, hostSpec{
			index:            i,
			ami:              hostAMI,
			subnetID:         args.SubnetIDs[0],
			availabilityZone: subnet.AvailabilityZone,
			profile:          profiles[kindHost],
		})
		if err != nil {
			return nil, err
		}
		c.Hosts = append(c.Hosts, host)
	}

	// --- Runners ---

	runnerAMI, err := lookupImage(ctx, args.Runner.ImageSSMName, c)
	if err != nil {
		return nil, err
	}
	if err := c.newRunners(ctx, args, runnerAMI, profiles[kindRunner]); err != nil {
		return nil, err
	}

	outputs := pulumi.Map{
		"securityGroupId":             c.SecurityGroup.ID(),
		"keyPairName":                 c.KeyPair.KeyName,
		"keyPairPrivateKeySecretName": pulumi.String(c.KeyPairPrivateKeySecretName),
		"autoScalingGroupName":        c.AutoScalingGroup.Name,
	}
	if err := ctx.RegisterResourceOutputs(c, outputs); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CiStorage) tags(name string) pulumi.StringMap {
	return pulumi.StringMap{
		"Name":    pulumi.String(name),
		"Project": pulumi.String("ci-storage"),
	}
}

func lookupImage(ctx *pulumi.Context, ssmName string, parent pulumi.Resource) (string, error) {
	param, err := ssm.LookupParameter(ctx, &ssm.LookupParameterArgs{Name: ssmName}, pulumi.Parent(parent))
	if err != nil {
		return "", fmt.Errorf("image %s: %w", ssmName, err)
	}
	return param.Value, nil
}

// newKeyPair imports the deployment key and stores its private half where
// instances read it from.
func (c *CiStorage) newKeyPair(ctx *pulumi.Context, privateKey pulumi.StringInput) error {
	id := c.prefix.With("ssh", "key")
	c.KeyPairPrivateKeySecretName = fmt.Sprintf("ec2-ssh-key/%s/private", id.Kebab())

	publicKey := pulumi.Unsecret(privateKey.ToStringOutput().ApplyT(func(key string) (string, error) {
		return sshutil.PublicKey(key)
	})).(pulumi.StringOutput)

	keyPair, err := ec2.NewKeyPair(ctx, id.Kebab(), &ec2.KeyPairArgs{
		KeyName:   pulumi.String(id.Kebab()),
		PublicKey: publicKey,
		Tags:      c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return fmt.Errorf("key pair: %w", err)
	}
	c.KeyPair = keyPair

	secret, err := secretsmanager.NewSecret(ctx, id.With("private").Kebab(), &secretsmanager.SecretArgs{
		Name:                 pulumi.String(c.KeyPairPrivateKeySecretName),
		Description:          pulumi.String("Used to access ci-storage host from self-hosted runner nodes."),
		RecoveryWindowInDays: pulumi.Int(0),
		Tags:                 c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return fmt.Errorf("key pair secret: %w", err)
	}
	_, err = secretsmanager.NewSecretVersion(ctx, id.With("private").Kebab(), &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pulumi.ToSecret(privateKey).(pulumi.StringOutput),
	}, pulumi.Parent(secret))
	if err != nil {
		return fmt.Errorf("key pair secret version: %w", err)
	}
	return nil
}

func (c *CiStorage) newSecurityGroup(ctx *pulumi.Context, args *Args) error {
	id := c.prefix.With("sg")

	ports := append([]Port{{Port: 22, Description: "SSH"}}, args.Host.Ports...)
	ingress := ec2.SecurityGroupIngressArray{}
	for _, p := range ports {
		ingress = append(ingress, &ec2.SecurityGroupIngressArgs{
			Protocol:    pulumi.String("tcp"),
			FromPort:    pulumi.Int(p.Port),
			ToPort:      pulumi.Int(p.Port),
			Self:        pulumi.Bool(true),
			Description: pulumi.Sprintf("from runners and host to %s", p.Description),
		})
	}

	sg, err := ec2.NewSecurityGroup(ctx, id.Kebab(), &ec2.SecurityGroupArgs{
		Name:        pulumi.String(id.Kebab()),
		Description: pulumi.String(id.Kebab()),
		VpcId:       pulumi.String(args.VpcID),
		Ingress:     ingress,
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:    pulumi.String("-1"),
				FromPort:    pulumi.Int(0),
				ToPort:      pulumi.Int(0),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("All outbound"),
			},
		},
		Tags: c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return fmt.Errorf("security group: %w", err)
	}
	c.SecurityGroup = sg
	return nil
}
