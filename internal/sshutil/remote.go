package sshutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Remote runs commands on peer instances over SSH.
type Remote struct {
	User    string
	Signer  ssh.Signer
	Port    int
	Timeout time.Duration
	Logger  *zap.Logger
}

// Run executes command on host and returns its combined output.
//
// Peers are only reachable inside the deployment's security group and their
// host keys are generated at first boot, so host keys are not pinned.
func (r *Remote) Run(ctx context.Context, host, command string) (string, error) {
	port := r.Port
	if port == 0 {
		port = 22
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("ssh %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh %s: %w", addr, err)
	}
	defer session.Close()

	if r.Logger != nil {
		r.Logger.Info("remote command", zap.String("host", host), zap.String("cmd", command))
	}
	out, err := session.CombinedOutput(command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("ssh %s: %s: %w: %s", addr, command, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
