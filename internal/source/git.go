package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"extracthub/pkg/config"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

type gitFetcher func(ctx context.Context, cfg *config.Config, url string) (string, error)

// fetchGitFile clones the repository shallowly into memory and reads one file.
// The url addresses a file inside a repository as "<repo>.git/<path>".
func fetchGitFile(ctx context.Context, cfg *config.Config, url string) (string, error) {
	repoURL, filePath, err := splitGitURL(url)
	if err != nil {
		return "", err
	}

	var auth transport.AuthMethod
	if cfg.Git.Username != "" {
		auth = &githttp.BasicAuth{Username: cfg.Git.Username, Password: cfg.Git.Password}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:          repoURL,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", repoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("head of %s: %w", repoURL, err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}

	file, err := commit.File(filePath)
	if err != nil {
		return "", fmt.Errorf("file %s in %s: %w", filePath, repoURL, err)
	}

	reader, err := file.Blob.Reader()
	if err != nil {
		return "", err
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func splitGitURL(url string) (repo, file string, err error) {
	idx := strings.Index(url, ".git/")
	if idx < 0 {
		return "", "", fmt.Errorf("git url %q must address a file as <repo>.git/<path>", url)
	}
	return url[:idx+4], url[idx+5:], nil
}
