// Package storage moves persistent storage from the previous instance of a
// host to its replacement: a block volume (Coordinator) or an in-memory tree
// mirrored over the network (Mirror).
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clickup/ci-storage-cdk/internal/awsapi"
	"github.com/clickup/ci-storage-cdk/internal/poll"
)

// EC2 is the control plane view the coordinator needs.
type EC2 interface {
	VolumeHolder(ctx context.Context, volumeID string) (string, error)
	VolumeState(ctx context.Context, volumeID string) (string, error)
	InstanceState(ctx context.Context, instanceID string) (string, error)
	InstancePrivateIP(ctx context.Context, instanceID string) (string, error)
	StopInstance(ctx context.Context, instanceID string) error
	DetachVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
}

// Remote runs shell commands on other instances.
type Remote interface {
	Run(ctx context.Context, host, command string) (string, error)
}

// Signaler reports readiness stages.
type Signaler interface {
	Signal(ctx context.Context, stage string) error
}

// StopDocker is run on a previous holder before it is stopped, so the
// container runtime flushes its state to the volume.
const StopDocker = "sudo systemctl stop docker docker.socket"

// DeviceDir lists block devices by serial; attached EBS volumes appear
// there as "nvme-Amazon_Elastic_Block_Store_vol0123...".
const DeviceDir = "/dev/disk/by-id"

// Coordinator hands a volume off to the current instance.
type Coordinator struct {
	EC2      EC2
	Remote   Remote
	Signaler Signaler
	Mounter  *Mounter
	Clock    poll.Clock
	Logger   *zap.Logger

	VolumeID   string
	InstanceID string
	Device     string
	// DeviceDir overrides DeviceDir.
	DeviceDir string

	StopInterval   time.Duration
	DetachInterval time.Duration
	AttachInterval time.Duration
	// Timeout bounds each wait; zero waits until the context is done.
	Timeout time.Duration
}

// Handoff drains the previous holder, moves the volume here, mounts it and
// signals storage-ready. Steps are strictly ordered; each waits for its
// condition before the next one starts.
func (c *Coordinator) Handoff(ctx context.Context) error {
	logger := c.Logger.With(zap.String("volume", c.VolumeID), zap.String("instance", c.InstanceID))

	holder, err := c.EC2.VolumeHolder(ctx, c.VolumeID)
	if err != nil {
		return err
	}
	logger.Info("volume holder", zap.String("holder", holder))

	if holder != c.InstanceID {
		if holder != "" {
			if err := c.drain(ctx, logger, holder); err != nil {
				return err
			}
		}
		if err := c.detach(ctx, logger); err != nil {
			return err
		}
	}

	device, err := c.attach(ctx, logger)
	if err != nil {
		return err
	}
	logger.Info("volume attached", zap.String("device", device))

	formatted, err := c.Mounter.MountOrFormat(ctx, device)
	if err != nil {
		return fmt.Errorf("mount %s: %w", device, err)
	}
	logger.Info("volume mounted", zap.Bool("formatted", formatted))

	// The one-time step never reruns, so a lost signal must not undo a
	// finished hand-off.
	if c.Signaler != nil {
		if err := c.Signaler.Signal(ctx, awsapi.StageStorageReady); err != nil {
			logger.Warn("signal failed", zap.String("stage", awsapi.StageStorageReady), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) opts(logger *zap.Logger, interval time.Duration) poll.Options {
	return poll.Options{
		Interval: interval,
		Timeout:  c.Timeout,
		OnError:  func(err error) { logger.Warn("retrying", zap.Error(err)) },
	}
}

// drain stops the previous holder, asking its container runtime to shut down
// first when it is reachable.
func (c *Coordinator) drain(ctx context.Context, logger *zap.Logger, holder string) error {
	logger = logger.With(zap.String("holder", holder))

	state, err := c.EC2.InstanceState(ctx, holder)
	if err == nil && stopped(state) {
		logger.Info("holder already stopped", zap.String("state", state))
		return nil
	}

	if c.Remote != nil {
		ip, err := c.EC2.InstancePrivateIP(ctx, holder)
		if err == nil && ip != "" {
			if _, err := c.Remote.Run(ctx, ip, StopDocker); err != nil {
				logger.Warn("graceful stop on holder failed", zap.Error(err))
			}
		}
	}

	err = poll.Until(ctx, c.Clock, c.opts(logger, c.StopInterval),
		func(ctx context.Context) (bool, error) {
			state, err := c.EC2.InstanceState(ctx, holder)
			if err != nil {
				return false, err
			}
			logger.Info("holder state", zap.String("state", state))
			return stopped(state), nil
		},
		func(ctx context.Context) error { return c.EC2.StopInstance(ctx, holder) })
	if err != nil {
		return fmt.Errorf("stop holder %s: %w", holder, err)
	}
	return nil
}

func stopped(state string) bool {
	return state == "stopped" || state == "terminated"
}

func (c *Coordinator) detach(ctx context.Context, logger *zap.Logger) error {
	err := poll.Until(ctx, c.Clock, c.opts(logger, c.DetachInterval),
		func(ctx context.Context) (bool, error) {
			state, err := c.EC2.VolumeState(ctx, c.VolumeID)
			if err != nil {
				return false, err
			}
			return state == "available", nil
		},
		func(ctx context.Context) error { return c.EC2.DetachVolume(ctx, c.VolumeID) })
	if err != nil {
		return fmt.Errorf("detach %s: %w", c.VolumeID, err)
	}
	return nil
}

func (c *Coordinator) attach(ctx context.Context, logger *zap.Logger) (string, error) {
	var device string
	err := poll.Until(ctx, c.Clock, c.opts(logger, c.AttachInterval),
		func(context.Context) (bool, error) {
			var ok bool
			device, ok = c.findDevice()
			return ok, nil
		},
		func(ctx context.Context) error {
			return c.EC2.AttachVolume(ctx, c.VolumeID, c.InstanceID, c.Device)
		})
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", c.VolumeID, err)
	}
	return device, nil
}

// findDevice returns the by-id path of the volume once the kernel sees it.
func (c *Coordinator) findDevice() (string, bool) {
	dir := c.DeviceDir
	if dir == "" {
		dir = DeviceDir
	}
	serial := strings.ReplaceAll(c.VolumeID, "-", "")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), serial) && !strings.Contains(e.Name(), "-part") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
