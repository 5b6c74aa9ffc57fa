package schedule

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
)

type GitHubConfig struct {
	Owner    string
	Repo     string
	Branch   string
	FilePath string
	Token    string
	// BaseURL overrides the API root (GitHub Enterprise, tests).
	BaseURL string
}

// GitHubStore keeps the schedule in a repository file through the contents API.
// The blob sha is the version token.
type GitHubStore struct {
	client *github.Client
	cfg    GitHubConfig
}

func NewGitHubStore(cfg GitHubConfig, hc *http.Client) (*GitHubStore, error) {
	if cfg.Owner == "" || cfg.Repo == "" || cfg.FilePath == "" {
		return nil, errors.New("github schedule store needs owner, repo and file_path")
	}
	client := github.NewClient(hc)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github base_url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHubStore{client: client, cfg: cfg}, nil
}

func (s *GitHubStore) Load(ctx context.Context) (Snapshot, error) {
	var opts *github.RepositoryContentGetOptions
	if s.cfg.Branch != "" {
		opts = &github.RepositoryContentGetOptions{Ref: s.cfg.Branch}
	}
	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.FilePath, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("github get contents: %w", err)
	}
	if file == nil {
		return Snapshot{}, fmt.Errorf("github: %s is a directory", s.cfg.FilePath)
	}
	content, err := file.GetContent()
	if err != nil {
		return Snapshot{}, fmt.Errorf("github decode contents: %w", err)
	}
	entries, err := decodeBlob([]byte(content))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: entries, Version: file.GetSHA()}, nil
}

func (s *GitHubStore) Save(ctx context.Context, entries []Entry, version, message string) (string, error) {
	body, err := encodeBlob(entries)
	if err != nil {
		return "", err
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: body,
	}
	if s.cfg.Branch != "" {
		opts.Branch = github.Ptr(s.cfg.Branch)
	}
	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
	)
	if version == "" {
		res, resp, err = s.client.Repositories.CreateFile(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.FilePath, opts)
	} else {
		opts.SHA = github.Ptr(version)
		res, resp, err = s.client.Repositories.UpdateFile(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.FilePath, opts)
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusConflict, http.StatusUnprocessableEntity:
				return "", fmt.Errorf("github put contents: %w", ErrConflict)
			}
		}
		return "", fmt.Errorf("github put contents: %w", err)
	}
	if res == nil || res.Content == nil {
		return "", errors.New("github put contents: empty response")
	}
	return res.Content.GetSHA(), nil
}
