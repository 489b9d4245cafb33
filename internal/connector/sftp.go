package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"extracthub/internal/model"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpSession struct {
	ssh    *ssh.Client
	client *sftp.Client
	base   string
}

func (s *sftpSession) close() {
	s.client.Close()
	s.ssh.Close()
}

func (p *Pool) dialSFTP(ctx context.Context, connID int64) (*sftpSession, error) {
	conn, err := p.store.SFTPConn(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("sftp connection %d: %w", connID, err)
	}

	auth, err := p.sftpAuth(conn)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port))
	cfg := &ssh.ClientConfig{
		User: conn.Username,
		Auth: auth,
		// Destination hosts are registered by operators, not end users.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	var session *sftpSession
	err = p.dial(ctx, "sftp://"+addr, func() error {
		sshClient, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return err
		}
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return err
		}
		session = &sftpSession{ssh: sshClient, client: client, base: conn.Path}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *Pool) sftpAuth(conn *model.ConnectionSFTP) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod

	if conn.PrivateKey != "" {
		keyText, err := p.decrypt(conn.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sftp connection %d key: %w", conn.ID, err)
		}
		signer, err := ssh.ParsePrivateKey([]byte(keyText))
		if err != nil {
			return nil, fmt.Errorf("sftp connection %d key: %w", conn.ID, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if conn.Password != "" {
		password, err := p.decrypt(conn.Password)
		if err != nil {
			return nil, fmt.Errorf("sftp connection %d password: %w", conn.ID, err)
		}
		auth = append(auth, ssh.Password(password))
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp connection %d has no credentials", conn.ID)
	}
	return auth, nil
}

// SFTPUpload copies a local file onto the share and returns the remote path
// it landed on.
func (p *Pool) SFTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	session, err := p.dialSFTP(ctx, connID)
	if err != nil {
		return "", err
	}
	defer session.close()

	remote := path.Join(session.base, name)
	if !overwrite {
		if _, err := session.client.Stat(remote); err == nil {
			remote = path.Join(session.base, collisionName(name, time.Now()))
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if dir := path.Dir(remote); dir != "." && dir != "/" {
		session.client.MkdirAll(dir)
	}

	dst, err := session.client.Create(remote)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", remote, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("write %s: %w", remote, err)
	}
	return remote, nil
}

// SFTPDownload fetches a remote file into destPath.
func (p *Pool) SFTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	session, err := p.dialSFTP(ctx, connID)
	if err != nil {
		return err
	}
	defer session.close()

	remote := remoteName
	if !path.IsAbs(remote) {
		remote = path.Join(session.base, remoteName)
	}

	src, err := session.client.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// SFTPStatus verifies the connection can be established and the base path
// listed.
func (p *Pool) SFTPStatus(ctx context.Context, connID int64) error {
	session, err := p.dialSFTP(ctx, connID)
	if err != nil {
		return err
	}
	defer session.close()

	dir := session.base
	if dir == "" {
		dir = "."
	}
	_, err = session.client.ReadDir(dir)
	return err
}
