// Package awsapi is the agent's narrow view of the AWS control plane: the
// instance's own identity, secrets, volume and instance state, and the
// readiness signal.
package awsapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// StatusTag carries the last readiness stage on the instance.
const StatusTag = "ci-storage:status"

// Readiness stages.
const (
	StageStorageReady = "storage-ready"
	StageConverged    = "converged"
)

// ErrNotFound is returned when a described resource does not exist.
var ErrNotFound = errors.New("not found")

// Client talks to the AWS APIs on behalf of the current instance.
type Client struct {
	ec2         *ec2.Client
	secrets     *secretsmanager.Client
	autoscaling *autoscaling.Client
	imds        *imds.Client
	logger      *zap.Logger

	instanceID string
	// LifecycleHook, when set, is completed on the "converged" signal.
	LifecycleHook string
}

// New loads the default credential chain. An empty region is read from the
// instance metadata service.
func New(ctx context.Context, region string, logger *zap.Logger) (*Client, error) {
	meta := imds.New(imds.Options{})
	if region == "" {
		out, err := meta.GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return nil, fmt.Errorf("imds region: %w", err)
		}
		region = out.Region
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &Client{
		ec2:         ec2.NewFromConfig(cfg),
		secrets:     secretsmanager.NewFromConfig(cfg),
		autoscaling: autoscaling.NewFromConfig(cfg),
		imds:        meta,
		logger:      logger,
	}, nil
}

// InstanceID returns the id of the instance the agent runs on.
func (c *Client) InstanceID(ctx context.Context) (string, error) {
	if c.instanceID != "" {
		return c.instanceID, nil
	}
	out, err := c.imds.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("imds instance-id: %w", err)
	}
	defer out.Content.Close()
	b, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	c.instanceID = strings.TrimSpace(string(b))
	return c.instanceID, nil
}

// SecretString returns the string value of a secret.
func (c *Client) SecretString(ctx context.Context, name string) (string, error) {
	out, err := c.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s: no string value", name)
	}
	return *out.SecretString, nil
}

func (c *Client) volume(ctx context.Context, volumeID string) (ec2types.Volume, error) {
	out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return ec2types.Volume{}, fmt.Errorf("volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return ec2types.Volume{}, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	return out.Volumes[0], nil
}

// VolumeHolder returns the instance the volume is attached to, or "".
func (c *Client) VolumeHolder(ctx context.Context, volumeID string) (string, error) {
	v, err := c.volume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	for _, a := range v.Attachments {
		if a.State == ec2types.VolumeAttachmentStateDetached {
			continue
		}
		return aws.ToString(a.InstanceId), nil
	}
	return "", nil
}

// VolumeState returns the volume state ("available", "in-use", ...).
func (c *Client) VolumeState(ctx context.Context, volumeID string) (string, error) {
	v, err := c.volume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	return string(v.State), nil
}

func (c *Client) instances(ctx context.Context, in *ec2.DescribeInstancesInput) ([]ec2types.Instance, error) {
	var instances []ec2types.Instance
	p := ec2.NewDescribeInstancesPaginator(c.ec2, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Reservations {
			instances = append(instances, r.Instances...)
		}
	}
	return instances, nil
}

func (c *Client) instance(ctx context.Context, instanceID string) (ec2types.Instance, error) {
	instances, err := c.instances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return ec2types.Instance{}, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	if len(instances) == 0 {
		return ec2types.Instance{}, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	return instances[0], nil
}

// InstanceState returns the instance state name ("running", "stopped", ...).
func (c *Client) InstanceState(ctx context.Context, instanceID string) (string, error) {
	inst, err := c.instance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.State == nil {
		return "", nil
	}
	return string(inst.State.Name), nil
}

// InstancePrivateIP returns the private address of an instance.
func (c *Client) InstancePrivateIP(ctx context.Context, instanceID string) (string, error) {
	inst, err := c.instance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return aws.ToString(inst.PrivateIpAddress), nil
}

// StopInstance requests a stop.
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	c.logger.Info("stopping instance", zap.String("instance", instanceID))
	_, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return fmt.Errorf("stop %s: %w", instanceID, err)
	}
	return nil
}

// DetachVolume force-detaches a volume from whatever holds it.
func (c *Client) DetachVolume(ctx context.Context, volumeID string) error {
	c.logger.Info("detaching volume", zap.String("volume", volumeID))
	_, err := c.ec2.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID), Force: aws.Bool(true)})
	if err != nil {
		return fmt.Errorf("detach %s: %w", volumeID, err)
	}
	return nil
}

// AttachVolume attaches a volume to an instance at device.
func (c *Client) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	c.logger.Info("attaching volume",
		zap.String("volume", volumeID), zap.String("instance", instanceID), zap.String("device", device))
	_, err := c.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	if err != nil {
		return fmt.Errorf("attach %s to %s: %w", volumeID, instanceID, err)
	}
	return nil
}

// FindPeer returns a running instance tagged with name, other than
// excludeID. It returns empty strings when there is none.
func (c *Client) FindPeer(ctx context.Context, name, excludeID string) (id, ip string, err error) {
	instances, err := c.instances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{string(ec2types.InstanceStateNameRunning)}},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("peer %s: %w", name, err)
	}
	for _, inst := range instances {
		if aws.ToString(inst.InstanceId) == excludeID || inst.PrivateIpAddress == nil {
			continue
		}
		return aws.ToString(inst.InstanceId), aws.ToString(inst.PrivateIpAddress), nil
	}
	return "", "", nil
}

// Signal reports a readiness stage: the instance is tagged with it, and the
// "converged" stage also completes the pending launch lifecycle action.
func (c *Client) Signal(ctx context.Context, stage string) error {
	id, err := c.InstanceID(ctx)
	if err != nil {
		return err
	}
	_, err = c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      []ec2types.Tag{{Key: aws.String(StatusTag), Value: aws.String(stage)}},
	})
	if err != nil {
		return fmt.Errorf("signal %s: %w", stage, err)
	}
	c.logger.Info("signaled", zap.String("stage", stage))

	if stage != StageConverged || c.LifecycleHook == "" {
		return nil
	}
	return c.completeLifecycleAction(ctx, id)
}

func (c *Client) completeLifecycleAction(ctx context.Context, instanceID string) error {
	out, err := c.autoscaling.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("describe autoscaling instance: %w", err)
	}
	if len(out.AutoScalingInstances) == 0 {
		c.logger.Info("not in an autoscaling group, lifecycle hook skipped")
		return nil
	}
	group := aws.ToString(out.AutoScalingInstances[0].AutoScalingGroupName)

	_, err = c.autoscaling.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(group),
		LifecycleHookName:     aws.String(c.LifecycleHook),
		InstanceId:            aws.String(instanceID),
		LifecycleActionResult: aws.String("CONTINUE"),
	})
	if isNoActiveLifecycleAction(err) {
		c.logger.Info("no pending lifecycle action", zap.String("group", group))
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete lifecycle action: %w", err)
	}
	c.logger.Info("lifecycle action completed", zap.String("group", group), zap.String("hook", c.LifecycleHook))
	return nil
}

// A reboot re-signals an instance whose launch action is long completed.
func isNoActiveLifecycleAction(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No active Lifecycle Action")
}
