// Package vcs is the version-control collaborator: it mirrors repositories
// locally and answers revision log, export and file-at-revision queries.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported vcs backend")
	ErrFileNotFound       = errors.New("file not found at revision")
)

// Revision is a single commit as reported by a backend.
type Revision struct {
	SHA         string
	Author      string
	Email       string
	Message     string
	Parents     []string
	CommittedAt time.Time
}

// LogOptions narrows a revision log. Parent takes precedence over Branch;
// with neither set the log starts at HEAD.
type LogOptions struct {
	Parent string
	Branch string
	Limit  int
	Paths  []string
}

// Client is the contract every backend fulfils.
type Client interface {
	Exists() bool
	Clone(ctx context.Context) error
	Update(ctx context.Context) error
	Log(ctx context.Context, opts LogOptions) ([]Revision, error)
	Export(ctx context.Context, revision string) (string, error)
	ReadFile(ctx context.Context, revision, path, diff string) (string, error)
	ChangedFiles(ctx context.Context, revision string) (map[string]struct{}, error)
}

// Factory builds the client for a repository.
type Factory func(repo *models.Repository) (Client, error)

// NewFactory returns a Factory mirroring repositories under root.
func NewFactory(root string, auth *Auth) Factory {
	return func(repo *models.Repository) (Client, error) {
		return New(repo, root, auth)
	}
}

// New returns the client for repo. Only git repositories can be mirrored;
// hg repositories are still checked out by agents via CheckoutCommand.
func New(repo *models.Repository, root string, auth *Auth) (Client, error) {
	switch repo.Backend {
	case models.RepositoryBackendGit:
		return NewGit(repo.URL, filepath.Join(root, repo.ID.String()), auth), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, repo.Backend)
	}
}

// EnsureFresh clones the repository if needed, otherwise fetches it.
func EnsureFresh(ctx context.Context, client Client) error {
	if !client.Exists() {
		return client.Clone(ctx)
	}
	return client.Update(ctx)
}

func permanent(field string, err error) error {
	return &problem.VCSError{Field: field, Err: err}
}

func transient(err error) error {
	return &problem.VCSError{Transient: true, Err: err}
}
