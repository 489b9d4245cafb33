// Package connector holds the transport clients the pipeline moves data
// through: SFTP, FTP, SMB, SSH, the two database drivers and SMTP. Every
// dial retries with backoff so a flapping endpoint does not immediately
// burn a run.
package connector

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/secrets"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("connector",
	fx.Provide(NewPool),
	fx.Invoke(func(lc fx.Lifecycle, p *Pool) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				p.Close()
				return nil
			},
		})
	}),
)

const dialBackoff = 10 * time.Second

// Pool resolves connection rows to live transport clients. SMB sessions are
// held open across runs; every other transport dials per call.
type Pool struct {
	store *store.Store
	cfg   *config.Config
	key   []byte
	smb   *smbPool
}

func NewPool(s *store.Store, cfg *config.Config) *Pool {
	return &Pool{
		store: s,
		cfg:   cfg,
		key:   secrets.Key(cfg.SecretAES),
		smb:   newSMBPool(),
	}
}

func (p *Pool) Close() {
	p.smb.closeAll()
}

// dial keeps calling fn until it succeeds or the connect timeout elapses.
func (p *Pool) dial(ctx context.Context, target string, fn func() error) error {
	deadline := time.Now().Add(p.cfg.Runner.ConnectTimeout)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().Add(dialBackoff).After(deadline) {
			return fmt.Errorf("connect to %s failed after %d attempts: %w", target, attempt, err)
		}

		zap.L().Warn("connection attempt failed, retrying",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
}

func (p *Pool) decrypt(enc string) (string, error) {
	if enc == "" {
		return "", nil
	}
	return secrets.Decrypt(enc, p.key)
}

// collisionName derives the upload name used when overwrite is disabled and
// the destination already holds a file with the requested name.
func collisionName(name string, now time.Time) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + "_" + now.Format("20060102150405") + ext
}
