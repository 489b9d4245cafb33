package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

func (p *Pool) dialFTP(ctx context.Context, connID int64) (*ftp.ServerConn, string, error) {
	conn, err := p.store.FTPConn(ctx, connID)
	if err != nil {
		return nil, "", fmt.Errorf("ftp connection %d: %w", connID, err)
	}

	password, err := p.decrypt(conn.Password)
	if err != nil {
		return nil, "", fmt.Errorf("ftp connection %d password: %w", connID, err)
	}

	addr := conn.Address
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, "21")
	}

	var client *ftp.ServerConn
	err = p.dial(ctx, "ftp://"+addr, func() error {
		c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
		if err != nil {
			return err
		}
		if err := c.Login(conn.Username, password); err != nil {
			c.Quit()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return client, conn.Path, nil
}

// FTPUpload stores a local file on the server and returns the remote path.
func (p *Pool) FTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	client, base, err := p.dialFTP(ctx, connID)
	if err != nil {
		return "", err
	}
	defer client.Quit()

	if base != "" {
		if err := client.ChangeDir(base); err != nil {
			return "", fmt.Errorf("cd %s: %w", base, err)
		}
	}

	remote := name
	if !overwrite && ftpExists(client, name) {
		remote = collisionName(name, time.Now())
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := client.Stor(remote, src); err != nil {
		return "", fmt.Errorf("stor %s: %w", remote, err)
	}
	return path.Join(base, remote), nil
}

// FTPDownload fetches a remote file into destPath.
func (p *Pool) FTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	client, base, err := p.dialFTP(ctx, connID)
	if err != nil {
		return err
	}
	defer client.Quit()

	if base != "" {
		if err := client.ChangeDir(base); err != nil {
			return fmt.Errorf("cd %s: %w", base, err)
		}
	}

	resp, err := client.Retr(remoteName)
	if err != nil {
		return fmt.Errorf("retr %s: %w", remoteName, err)
	}
	defer resp.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, resp)
	return err
}

// FTPStatus verifies login and a directory listing of the base path.
func (p *Pool) FTPStatus(ctx context.Context, connID int64) error {
	client, base, err := p.dialFTP(ctx, connID)
	if err != nil {
		return err
	}
	defer client.Quit()

	if base == "" {
		base = "."
	}
	_, err = client.List(base)
	return err
}

func ftpExists(client *ftp.ServerConn, name string) bool {
	entries, err := client.List(".")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}
