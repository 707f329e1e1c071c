// Package sshclient runs commands on database hosts over SSH.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 10 * time.Second

// Config holds the credentials and host key policy for connections.
type Config struct {
	User string `yaml:"user"`
	// PrivateKeyPEM is the key itself. PrivateKeyFile is read when it is empty.
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// KnownHostsFile enables host key checking. Without it any host key is accepted.
	KnownHostsFile string        `yaml:"known_hosts_file"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// ClientConfig builds the x/crypto/ssh configuration.
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	key := []byte(c.PrivateKeyPEM)
	if len(key) == 0 {
		if c.PrivateKeyFile == "" {
			return nil, errors.New("no private key configured")
		}
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		key = data
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHClient manages a persistent SSH connection for running multiple commands.
type SSHClient struct {
	client *ssh.Client
}

// Dial connects to addr ("host:port").
func Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*SSHClient, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection: %w", err)
	}
	return &SSHClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Run executes a command and returns its combined stdout and stderr with the
// exit code. A non-zero exit code is not an error.
func (c *SSHClient) Run(ctx context.Context, command string) (string, int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", -1, ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), exitErr.ExitStatus(), nil
		}
		if err != nil {
			return out.String(), -1, fmt.Errorf("failed to run command: %w", err)
		}
		return out.String(), 0, nil
	}
}

// Close closes the underlying SSH connection.
func (c *SSHClient) Close() error {
	return c.client.Close()
}
