// Package source fetches task source material (inline code, repository file,
// arbitrary URL, or a remote file) and normalizes it, with cache-on-write and
// fallback-to-cache-on-failure.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/runerr"
	"extracthub/internal/store"
	"extracthub/pkg/config"

	"go.uber.org/zap"
)

// RemoteReader pulls a query file off an SMB share. Implemented by the
// connector pool; injected to keep the resolver transport-agnostic.
type RemoteReader interface {
	ReadSMB(ctx context.Context, connID int64, path string) ([]byte, error)
}

// Resolver resolves task source text from its configured origin.
type Resolver struct {
	store  *store.Store
	cfg    *config.Config
	remote RemoteReader
	client *http.Client
	git    gitFetcher
}

func NewResolver(s *store.Store, cfg *config.Config, remote RemoteReader) *Resolver {
	return &Resolver{
		store:  s,
		cfg:    cfg,
		remote: remote,
		client: &http.Client{Timeout: 60 * time.Second},
		git:    fetchGitFile,
	}
}

// Resolve returns the cleaned source text for a query spec. The returned
// fallback is non-nil when the run proceeded on a cached copy; its class is
// CachedFallbackUsed so callers log it as a warning instead of failing.
func (r *Resolver) Resolve(ctx context.Context, task *model.Task, q model.QuerySpec, mssql bool) (text string, fallback error, err error) {
	switch q.Origin {
	case model.OriginInline:
		return CleanSQL(q.Inline, mssql), nil, nil

	case model.OriginGit:
		return r.fetchWithCache(ctx, task, mssql, func() (string, error) {
			return r.git(ctx, r.cfg, q.GitURL)
		}, q.GitURL)

	case model.OriginURL:
		return r.fetchWithCache(ctx, task, mssql, func() (string, error) {
			return r.fetchURL(ctx, q.URL)
		}, q.URL)

	case model.OriginRemoteFile:
		raw, err := r.remote.ReadSMB(ctx, q.RemoteConn, q.RemotePath)
		if err != nil {
			return "", nil, runerr.Wrap(runerr.Transient, model.LogGitWebCode,
				fmt.Errorf("read query file %s: %w", q.RemotePath, err))
		}
		return CleanSQL(string(raw), mssql), nil, nil
	}

	return "", nil, runerr.New(runerr.Fatal, model.LogGitWebCode, "unknown query origin %q", q.Origin)
}

// fetchWithCache runs fetch and applies the cache policy: the pristine text is
// cached before cleanup on success; on failure a cached copy is substituted
// when the task opts in, otherwise the fetch failure is fatal for the run.
func (r *Resolver) fetchWithCache(ctx context.Context, task *model.Task, mssql bool, fetch func() (string, error), url string) (string, error, error) {
	raw, err := fetch()
	if err == nil {
		if task.EnableSourceCache {
			if cacheErr := r.store.SaveSourceCache(ctx, task.ID, raw); cacheErr != nil {
				zap.L().Warn("failed to update source cache",
					zap.Int64("task_id", task.ID), zap.Error(cacheErr))
			}
		}
		return CleanSQL(raw, mssql), nil, nil
	}

	if task.EnableSourceCache && task.SourceCache != "" {
		fallback := runerr.New(runerr.CachedFallbackUsed, model.LogGitWebCode,
			"Failed to fetch source from %s, using cached copy: %v", url, err)
		return CleanSQL(task.SourceCache, mssql), fallback, nil
	}

	return "", nil, runerr.Wrap(runerr.Transient, model.LogGitWebCode,
		fmt.Errorf("fetch source from %s: %w", url, err))
}

// RefreshCache re-fetches a task's remote source to update the cache without
// running the task.
func (r *Resolver) RefreshCache(ctx context.Context, task *model.Task) error {
	q, err := task.DecodeSource()
	if err != nil {
		return err
	}

	var spec model.QuerySpec
	switch src := q.(type) {
	case model.DatabaseSource:
		spec = src.Query
	case model.SSHSource:
		spec = src.Command
	default:
		return fmt.Errorf("task %d: source has no cacheable query", task.ID)
	}

	var raw string
	switch spec.Origin {
	case model.OriginGit:
		raw, err = r.git(ctx, r.cfg, spec.GitURL)
	case model.OriginURL:
		raw, err = r.fetchURL(ctx, spec.URL)
	default:
		return fmt.Errorf("task %d: %s origin is not cached", task.ID, spec.Origin)
	}
	if err != nil {
		return err
	}

	return r.store.SaveSourceCache(ctx, task.ID, raw)
}

// FetchScript resolves a processing script from a git, devops or url origin.
// Scripts are not cached; they are small and fetched per run.
func (r *Resolver) FetchScript(ctx context.Context, spec *model.ProcessingSpec) (string, error) {
	switch spec.Origin {
	case model.ProcessingGit, model.ProcessingDevops:
		return r.git(ctx, r.cfg, spec.GitURL)
	case model.ProcessingURL:
		return r.fetchURL(ctx, spec.URL)
	}
	return "", fmt.Errorf("processing origin %q has no fetchable script", spec.Origin)
}

func (r *Resolver) fetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	text := string(body)
	if strings.HasPrefix(text, "<!DOCTYPE") {
		return "", fmt.Errorf("GET %s: got an html page, not source text", url)
	}

	return text, nil
}
