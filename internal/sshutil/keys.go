// Package sshutil handles the deployment SSH key pair and the remote commands
// instances run on each other during hand-off.
package sshutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Generate creates an ed25519 key pair. It returns the private key in
// OpenSSH PEM form and the public key as an authorized_keys line.
func Generate(comment string) (privatePEM, authorizedKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	return string(pem.EncodeToMemory(block)), authorizedLine(sshPub), nil
}

// PublicKey derives the authorized_keys line of a private key.
func PublicKey(privatePEM string) (string, error) {
	signer, err := Signer(privatePEM)
	if err != nil {
		return "", err
	}
	return authorizedLine(signer.PublicKey()), nil
}

// Signer parses a private key for client authentication.
func Signer(privatePEM string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func authorizedLine(pub ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}
