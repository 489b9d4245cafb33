package connector

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

func (p *Pool) dialSSH(ctx context.Context, connID int64) (*ssh.Client, error) {
	conn, err := p.store.SSHConn(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("ssh connection %d: %w", connID, err)
	}

	password, err := p.decrypt(conn.Password)
	if err != nil {
		return nil, fmt.Errorf("ssh connection %d password: %w", connID, err)
	}

	addr := net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port))
	cfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	var client *ssh.Client
	err = p.dial(ctx, "ssh://"+addr, func() error {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SSHExec runs a command on the remote host, writing stdout to outPath. A
// non-zero exit or stderr output fails the call.
func (p *Pool) SSHExec(ctx context.Context, connID int64, command, outPath string) error {
	client, err := p.dialSSH(ctx, connID)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	var stderr bytes.Buffer
	session.Stdout = out
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("remote command failed: %s: %w", msg, err)
		}
		return fmt.Errorf("remote command failed: %w", err)
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("remote command wrote to stderr: %s", msg)
	}
	return nil
}

// SSHStatus verifies the host accepts a session.
func (p *Pool) SSHStatus(ctx context.Context, connID int64) error {
	client, err := p.dialSSH(ctx, connID)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	return session.Close()
}
