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

	"extracthub/internal/model"
)

// ReadSMB pulls a file off a share and returns its contents. Satisfies the
// source resolver's remote reader.
func (p *Pool) ReadSMB(ctx context.Context, connID int64, remotePath string) ([]byte, error) {
	session, base, err := p.smbSession(ctx, connID)
	if err != nil {
		return nil, err
	}

	name := smbJoin(base, remotePath)
	f, err := session.share.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

// SMBUpload copies a local file onto the share and returns the remote path.
func (p *Pool) SMBUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	session, base, err := p.smbSession(ctx, connID)
	if err != nil {
		return "", err
	}

	remote := smbJoin(base, name)
	if !overwrite {
		if _, err := session.share.Stat(remote); err == nil {
			remote = smbJoin(base, collisionName(name, time.Now()))
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if dir := path.Dir(strings.ReplaceAll(remote, `\`, "/")); dir != "." {
		session.share.MkdirAll(strings.ReplaceAll(dir, "/", `\`), 0o755)
	}

	dst, err := session.share.Create(remote)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", remote, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("write %s: %w", remote, err)
	}
	return remote, nil
}

// SMBDownload fetches a remote file into destPath.
func (p *Pool) SMBDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	data, err := p.ReadSMB(ctx, connID, remoteName)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

// SMBStatus verifies the session by statting the share root.
func (p *Pool) SMBStatus(ctx context.Context, connID int64) error {
	session, _, err := p.smbSession(ctx, connID)
	if err != nil {
		return err
	}
	_, err = session.share.Stat(".")
	return err
}

// smbSession returns a healthy pooled session for the connection, dialing a
// new one when none exists or the cached one has gone stale.
func (p *Pool) smbSession(ctx context.Context, connID int64) (*smbSession, string, error) {
	conn, err := p.store.SMBConn(ctx, connID)
	if err != nil {
		return nil, "", fmt.Errorf("smb connection %d: %w", connID, err)
	}

	key := smbKey(conn)
	if session := p.smb.get(key); session != nil {
		if _, err := session.share.Stat("."); err == nil {
			return session, conn.Path, nil
		}
		p.smb.drop(key)
	}

	password, err := p.decrypt(conn.Password)
	if err != nil {
		return nil, "", fmt.Errorf("smb connection %d password: %w", connID, err)
	}

	host := conn.ServerIP
	if host == "" {
		host = conn.ServerName
	}
	addr := net.JoinHostPort(host, "445")

	var session *smbSession
	err = p.dial(ctx, "smb://"+addr+"/"+conn.Share, func() error {
		s, err := dialSMB(addr, conn.Username, password, conn.Share)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	p.smb.put(key, session)
	return session, conn.Path, nil
}

// smbKey identifies a server session; two connection rows addressing the same
// share with the same account reuse one session.
func smbKey(conn *model.ConnectionSMB) string {
	return strings.ToLower(strings.Join([]string{
		conn.ServerName, conn.ServerIP, conn.Share, conn.Username,
	}, "|"))
}

func smbJoin(base, name string) string {
	name = strings.ReplaceAll(name, "/", `\`)
	if base == "" {
		return name
	}
	base = strings.ReplaceAll(base, "/", `\`)
	return strings.TrimSuffix(base, `\`) + `\` + strings.TrimPrefix(name, `\`)
}
