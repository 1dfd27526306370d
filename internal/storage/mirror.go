package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clickup/ci-storage-cdk/internal/command"
)

// PeerFinder locates the previous instance of a host.
type PeerFinder interface {
	FindPeer(ctx context.Context, name, excludeID string) (id, ip string, err error)
}

// Mirror copies an in-memory tree from the previous instance of a host.
type Mirror struct {
	Peers  PeerFinder
	Remote Remote
	Runner command.Runner
	Logger *zap.Logger

	InstanceID string
	PeerName   string
	PeerUser   string
	Path       string
	// KeyFile is the private key rsync authenticates with.
	KeyFile string
}

// Handoff mirrors Path from a running peer. It reports false when there is
// no peer, which is the case on a fresh deployment.
func (m *Mirror) Handoff(ctx context.Context) (bool, error) {
	id, ip, err := m.Peers.FindPeer(ctx, m.PeerName, m.InstanceID)
	if err != nil {
		return false, err
	}
	if id == "" {
		m.Logger.Info("no peer to mirror from", zap.String("name", m.PeerName))
		return false, nil
	}
	logger := m.Logger.With(zap.String("peer", id), zap.String("ip", ip))

	if _, err := m.Remote.Run(ctx, ip, StopDocker); err != nil {
		logger.Warn("graceful stop on peer failed", zap.Error(err))
	}
	if _, err := m.Runner.Run(ctx, command.New("systemctl", "stop", "docker", "docker.socket")); err != nil {
		logger.Warn("stopping local docker", zap.Error(err))
	}

	path := strings.TrimSuffix(m.Path, "/") + "/"
	logger.Info("mirroring", zap.String("path", path))
	_, err = m.Runner.Run(ctx, command.New("rsync",
		"-aHAXS", "--numeric-ids", "--delete",
		"-e", fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", m.KeyFile),
		"--rsync-path=sudo rsync",
		fmt.Sprintf("%s@%s:%s", m.PeerUser, ip, path),
		path,
	))
	if err != nil {
		return false, fmt.Errorf("mirror from %s: %w", id, err)
	}
	logger.Info("mirrored")
	return true, nil
}
