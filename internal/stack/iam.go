package stack

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

var managedPolicyArns = []string{
	"arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore",
	"arn:aws:iam::aws:policy/CloudWatchAgentServerPolicy",
}

const ec2AssumeRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "ec2.amazonaws.com"},
    "Action": "sts:AssumeRole"
  }]
}`

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func allow(resources []string, actions ...string) policyStatement {
	return policyStatement{Effect: "Allow", Action: actions, Resource: resources}
}

func policyJSON(statements ...policyStatement) string {
	b, err := json.Marshal(policyDocument{Version: "2012-10-17", Statement: statements})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func secretArn(region, account, name string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s*", region, account, name)
}

// rolePolicies returns the inline policies of a role kind, by name.
// Describe* and CreateTags on the instance itself do not support useful
// resource-level scoping, hence "*".
func (c *CiStorage) rolePolicies(kind, region, account string, extra map[string]string) map[string]string {
	all := []string{"*"}
	policies := map[string]string{
		"KeyPairPolicy": policyJSON(allow(
			[]string{secretArn(region, account, c.KeyPairPrivateKeySecretName)},
			"secretsmanager:GetSecretValue")),
		"GhTokenPolicy": policyJSON(allow(
			[]string{secretArn(region, account, c.ghTokenSecretName)},
			"secretsmanager:GetSecretValue")),
		"SignalResourcePolicy": policyJSON(
			allow(all, "ec2:DescribeInstances", "ec2:DescribeVolumes", "ec2:CreateTags"),
			allow(all, "autoscaling:DescribeAutoScalingInstances", "autoscaling:CompleteLifecycleAction"),
		),
	}
	if kind == kindHost {
		policies["VolumeHandoffPolicy"] = policyJSON(
			allow(all, "ec2:StopInstances", "ec2:DetachVolume", "ec2:AttachVolume"),
		)
	}
	for name, doc := range extra {
		policies[name] = doc
	}
	return policies
}

// newRole creates an instance role with its instance profile.
func (c *CiStorage) newRole(ctx *pulumi.Context, kind string, policies map[string]string) (*iam.Role, *iam.InstanceProfile, error) {
	id := c.prefix.With(kind, "role")

	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	inline := iam.RoleInlinePolicyArray{}
	for _, name := range names {
		inline = append(inline, &iam.RoleInlinePolicyArgs{
			Name:   pulumi.String(name),
			Policy: pulumi.String(policies[name]),
		})
	}
	arns := pulumi.StringArray{}
	for _, arn := range managedPolicyArns {
		arns = append(arns, pulumi.String(arn))
	}

	role, err := iam.NewRole(ctx, id.Kebab(), &iam.RoleArgs{
		Name:              pulumi.String(id.Pascal()),
		AssumeRolePolicy:  pulumi.String(ec2AssumeRolePolicy),
		ManagedPolicyArns: arns,
		InlinePolicies:    inline,
		Tags:              c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return nil, nil, fmt.Errorf("role %s: %w", kind, err)
	}

	profile, err := iam.NewInstanceProfile(ctx, id.Kebab(), &iam.InstanceProfileArgs{
		Name: pulumi.String(id.Pascal()),
		Role: role.Name,
		Tags: c.tags(id.Kebab()),
	}, pulumi.Parent(c))
	if err != nil {
		return nil, nil, fmt.Errorf("instance profile %s: %w", kind, err)
	}
	return role, profile, nil
}
