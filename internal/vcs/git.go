package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caesium-cloud/quarry/internal/diff"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Git is a go-git backed Client operating on a local mirror.
type Git struct {
	URL  string
	Path string
	Auth *Auth
}

func NewGit(url, path string, auth *Auth) *Git {
	return &Git{URL: url, Path: path, Auth: auth}
}

func (g *Git) Exists() bool {
	_, err := git.PlainOpen(g.Path)
	return err == nil
}

func (g *Git) Clone(ctx context.Context) error {
	auth, err := g.Auth.method(g.URL)
	if err != nil {
		return permanent("repository", err)
	}

	if err := os.MkdirAll(filepath.Dir(g.Path), 0o755); err != nil {
		return transient(err)
	}

	log.Info("cloning repository", "url", g.URL, "path", g.Path)

	_, err = git.PlainCloneContext(ctx, g.Path, true, &git.CloneOptions{
		URL:    g.URL,
		Auth:   auth,
		Mirror: true,
	})
	if err != nil {
		_ = os.RemoveAll(g.Path)
		return transient(fmt.Errorf("clone %s: %w", g.URL, err))
	}
	return nil
}

func (g *Git) Update(ctx context.Context) error {
	repo, err := g.open()
	if err != nil {
		return err
	}

	auth, err := g.Auth.method(g.URL)
	if err != nil {
		return permanent("repository", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return transient(fmt.Errorf("fetch %s: %w", g.URL, err))
	}
}

func (g *Git) Log(ctx context.Context, opts LogOptions) ([]Revision, error) {
	repo, err := g.open()
	if err != nil {
		return nil, err
	}

	from, err := g.start(repo, opts)
	if err != nil {
		return nil, err
	}

	logOpts := &git.LogOptions{From: from}
	if len(opts.Paths) > 0 {
		paths := opts.Paths
		logOpts.PathFilter = func(name string) bool {
			for _, p := range paths {
				p = strings.TrimSuffix(p, "/")
				if name == p || strings.HasPrefix(name, p+"/") {
					return true
				}
			}
			return false
		}
	}

	iter, err := repo.Log(logOpts)
	if err != nil {
		return nil, transient(err)
	}
	defer iter.Close()

	var revisions []Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		revisions = append(revisions, toRevision(c))
		if opts.Limit > 0 && len(revisions) >= opts.Limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, transient(err)
	}
	return revisions, nil
}

func (g *Git) Export(ctx context.Context, revision string) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}

	commit, err := resolve(repo, revision)
	if err != nil {
		return "", err
	}

	changes, err := changesFor(ctx, commit)
	if err != nil {
		return "", err
	}

	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return "", transient(err)
	}
	return patch.String(), nil
}

// ReadFile returns path at revision. With a non-empty diff the diff's hunks
// for path are applied first, so a patch can add, change or delete the file.
func (g *Git) ReadFile(ctx context.Context, revision, path, diffText string) (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}

	commit, err := resolve(repo, revision)
	if err != nil {
		return "", err
	}

	var (
		content string
		missing bool
	)
	file, err := commit.File(path)
	switch {
	case err == nil:
		if content, err = file.Contents(); err != nil {
			return "", transient(err)
		}
	case errors.Is(err, object.ErrFileNotFound):
		missing = true
	default:
		return "", transient(err)
	}

	if diffText != "" {
		out, found, err := diff.ApplyToFile([]byte(content), diffText, path)
		switch {
		case errors.Is(err, diff.ErrFileDeleted):
			return "", ErrFileNotFound
		case err != nil:
			return "", permanent("patch", err)
		case found:
			return string(out), nil
		}
	}

	if missing {
		return "", ErrFileNotFound
	}
	return content, nil
}

func (g *Git) ChangedFiles(ctx context.Context, revision string) (map[string]struct{}, error) {
	repo, err := g.open()
	if err != nil {
		return nil, err
	}

	commit, err := resolve(repo, revision)
	if err != nil {
		return nil, err
	}

	changes, err := changesFor(ctx, commit)
	if err != nil {
		return nil, err
	}

	files := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name != "" {
				files[name] = struct{}{}
			}
		}
	}
	return files, nil
}

func (g *Git) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.Path)
	if err != nil {
		return nil, transient(fmt.Errorf("open %s: %w", g.Path, err))
	}
	return repo, nil
}

func (g *Git) start(repo *git.Repository, opts LogOptions) (plumbing.Hash, error) {
	switch {
	case opts.Parent != "":
		commit, err := resolve(repo, opts.Parent)
		if err != nil {
			return plumbing.ZeroHash, permanent("parent", err)
		}
		return commit.Hash, nil
	case opts.Branch != "":
		for _, name := range []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(opts.Branch),
			plumbing.NewRemoteReferenceName(git.DefaultRemoteName, opts.Branch),
		} {
			ref, err := repo.Reference(name, true)
			if err == nil {
				return ref.Hash(), nil
			}
		}
		return plumbing.ZeroHash, permanent("branch", fmt.Errorf("unknown branch %q", opts.Branch))
	default:
		ref, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, transient(err)
		}
		return ref.Hash(), nil
	}
}

func resolve(repo *git.Repository, revision string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, permanent("sha", fmt.Errorf("unknown revision %q: %w", revision, err))
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, permanent("sha", fmt.Errorf("revision %q is not a commit: %w", revision, err))
	}
	return commit, nil
}

func changesFor(ctx context.Context, commit *object.Commit) (object.Changes, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, transient(err)
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, transient(err)
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, transient(err)
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, transient(err)
	}
	return changes, nil
}

func toRevision(c *object.Commit) Revision {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return Revision{
		SHA:         c.Hash.String(),
		Author:      c.Author.Name,
		Email:       c.Author.Email,
		Message:     strings.TrimSpace(c.Message),
		Parents:     parents,
		CommittedAt: c.Committer.When,
	}
}
