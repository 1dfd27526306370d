package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clickup/ci-storage-cdk/internal/command"
	"github.com/clickup/ci-storage-cdk/internal/poll"
)

// Mounter mounts the handed-off volume at Dir, formatting it when it is
// blank, and redirects DataDir onto it.
type Mounter struct {
	Runner command.Runner
	Logger *zap.Logger

	// Fstab is the file system table path, normally /etc/fstab.
	Fstab string
	Dir   string
	Label string
	// DataDir becomes a symlink to a directory on the volume.
	DataDir string

	// Clock, MountInterval and MountTimeout drive the wait for a mount by
	// label, which can lag behind attach until udev publishes the label.
	Clock         poll.Clock
	MountInterval time.Duration
	MountTimeout  time.Duration
}

// ErrForeignFilesystem is returned for a device whose file system carries
// another label. It is never formatted.
var ErrForeignFilesystem = errors.New("device holds a file system with another label")

// fstabLine mounts by label so the entry is independent of the device name.
func (m *Mounter) fstabLine() string {
	return fmt.Sprintf("LABEL=%s %s auto defaults,noatime,data=writeback 0 0", m.Label, m.Dir)
}

// VolumeDataDir is where DataDir lives on the volume.
func (m *Mounter) VolumeDataDir() string {
	name := strings.ReplaceAll(strings.Trim(m.DataDir, "/"), "/", "_")
	return filepath.Join(m.Dir, name)
}

// MountOrFormat mounts device. Only a device carrying no file system is
// formatted; what is on the device decides, never a failed mount. It
// reports whether formatting happened. The container runtime is stopped
// when its data must move and is left stopped; the convergence run starts
// it.
func (m *Mounter) MountOrFormat(ctx context.Context, device string) (formatted bool, err error) {
	if err := m.ensureFstab(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return false, err
	}

	if _, err := m.run(ctx, "mount", "-a"); err != nil {
		m.Logger.Info("mount failed", zap.Error(err))
	}
	if !m.mounted(ctx) {
		fsType := m.blkidTag(ctx, device, "TYPE")
		label := m.blkidTag(ctx, device, "LABEL")
		logger := m.Logger.With(zap.String("device", device), zap.String("type", fsType), zap.String("label", label))
		switch {
		case fsType == "":
			logger.Info("formatting blank volume")
			if _, err := m.run(ctx, "mkfs", "-t", "ext4", device); err != nil {
				return false, err
			}
			if _, err := m.run(ctx, "tune2fs", "-L", m.Label, device); err != nil {
				return false, err
			}
			formatted = true
		case label == "":
			logger.Info("labeling unlabeled file system")
			if _, err := m.run(ctx, "tune2fs", "-L", m.Label, device); err != nil {
				return false, err
			}
		case label != m.Label:
			return false, fmt.Errorf("%w: %s has %q, want %q", ErrForeignFilesystem, device, label, m.Label)
		default:
			logger.Info("volume is labeled, waiting for mount")
		}
		if err := m.waitMounted(ctx); err != nil {
			return formatted, err
		}
	}

	return formatted, m.redirectDataDir(ctx)
}

// blkidTag returns a blkid tag of device, or "" when blkid finds none.
func (m *Mounter) blkidTag(ctx context.Context, device, tag string) string {
	out, err := m.run(ctx, "blkid", "-o", "value", "-s", tag, device)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (m *Mounter) waitMounted(ctx context.Context) error {
	opts := poll.Options{
		Interval: m.MountInterval,
		Timeout:  m.MountTimeout,
		OnError:  func(err error) { m.Logger.Warn("retrying mount", zap.Error(err)) },
	}
	err := poll.Until(ctx, m.Clock, opts, func(ctx context.Context) (bool, error) {
		if _, err := m.run(ctx, "mount", "-a"); err != nil {
			return false, err
		}
		return m.mounted(ctx), nil
	}, nil)
	if err != nil {
		return fmt.Errorf("mount %s: %w", m.Dir, err)
	}
	return nil
}

func (m *Mounter) run(ctx context.Context, name string, args ...string) (string, error) {
	return m.Runner.Run(ctx, command.New(name, args...))
}

func (m *Mounter) mounted(ctx context.Context) bool {
	_, err := m.run(ctx, "mountpoint", "-q", m.Dir)
	return err == nil
}

func (m *Mounter) ensureFstab() error {
	data, err := os.ReadFile(m.Fstab)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	prefix := fmt.Sprintf("LABEL=%s ", m.Label)
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), prefix) {
			return nil
		}
	}

	f, err := os.OpenFile(m.Fstab, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(m.fstabLine() + "\n")
	return err
}

// redirectDataDir copies DataDir onto the volume when the volume has no
// copy yet, then replaces DataDir with a symlink to it.
func (m *Mounter) redirectDataDir(ctx context.Context) error {
	target := m.VolumeDataDir()
	if link, err := os.Readlink(m.DataDir); err == nil && link == target {
		return nil
	}

	if _, err := m.run(ctx, "systemctl", "stop", "docker", "docker.socket"); err != nil {
		m.Logger.Warn("stopping docker", zap.Error(err))
	}

	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(m.DataDir); err == nil {
			m.Logger.Info("copying data onto volume", zap.String("from", m.DataDir), zap.String("to", target))
			if _, err := m.run(ctx, "cp", "-axT", m.DataDir, target); err != nil {
				return err
			}
		} else if err := os.MkdirAll(target, 0o710); err != nil {
			return err
		}
	}

	if _, err := os.Lstat(m.DataDir); err == nil {
		old := m.DataDir + ".old"
		if err := os.RemoveAll(old); err != nil {
			return err
		}
		if err := os.Rename(m.DataDir, old); err != nil {
			return err
		}
	}
	if err := os.Symlink(target, m.DataDir); err != nil {
		return err
	}
	m.Logger.Info("data dir redirected", zap.String("path", m.DataDir), zap.String("target", target))
	return nil
}
