package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newKeyPEM(t *testing.T) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block)), signer
}

// startServer runs an SSH server that answers every exec request with
// output and exit status from reply.
func startServer(t *testing.T, reply func(cmd string) (string, uint32)) string {
	t.Helper()
	_, hostKey := newKeyPEM(t)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, reply)
		}
	}()
	return l.Addr().String()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, reply func(string) (string, uint32)) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				cmdLen := binary.BigEndian.Uint32(req.Payload[:4])
				cmd := string(req.Payload[4 : 4+cmdLen])
				req.Reply(true, nil)

				out, status := reply(cmd)
				ch.Write([]byte(out))
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestRun(t *testing.T) {
	addr := startServer(t, func(cmd string) (string, uint32) {
		if cmd == "false" {
			return "boom\n", 3
		}
		return "ran " + cmd, 0
	})

	keyPEM, _ := newKeyPEM(t)
	clientCfg, err := Config{User: "mysql", PrivateKeyPEM: keyPEM}.ClientConfig()
	require.NoError(t, err)

	c, err := Dial(context.Background(), addr, clientCfg)
	require.NoError(t, err)
	defer c.Close()

	out, code, err := c.Run(context.Background(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ran uptime", out)

	out, code, err = c.Run(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "boom\n", out)
}

func TestConfig_ClientConfig(t *testing.T) {
	_, err := Config{User: "u"}.ClientConfig()
	assert.Error(t, err)

	_, err = Config{User: "u", PrivateKeyPEM: "not a key"}.ClientConfig()
	assert.Error(t, err)

	_, err = Config{User: "u", PrivateKeyFile: "/nonexistent/key"}.ClientConfig()
	assert.Error(t, err)

	keyPEM, _ := newKeyPEM(t)
	cfg, err := Config{User: "u", PrivateKeyPEM: keyPEM}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Equal(t, defaultDialTimeout, cfg.Timeout)
}
