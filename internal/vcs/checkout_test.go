package vcs

import (
	"testing"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCheckoutCommandGit(t *testing.T) {
	script, err := CheckoutCommand(models.RepositoryBackendGit, CheckoutParams{
		RemoteURL: "git@example.com:org/repo.git",
		LocalPath: "./source/",
		Revision:  "abc123",
	})
	require.NoError(t, err)
	require.Contains(t, script, "REMOTE_URL='git@example.com:org/repo.git'")
	require.Contains(t, script, "REVISION='abc123'")
	require.Contains(t, script, "git clone")
	require.NotContains(t, script, "git apply")
}

func TestCheckoutCommandGitPatch(t *testing.T) {
	script, err := CheckoutCommand(models.RepositoryBackendGit, CheckoutParams{
		RemoteURL: "https://example.com/repo.git",
		LocalPath: "./source/",
		Revision:  "abc123",
		PatchURL:  "http://quarry/v1/patches/1/?raw=1",
	})
	require.NoError(t, err)
	require.Contains(t, script, "curl -fsSL 'http://quarry/v1/patches/1/?raw=1' | git apply --index -")
}

func TestCheckoutCommandHg(t *testing.T) {
	script, err := CheckoutCommand(models.RepositoryBackendHg, CheckoutParams{
		RemoteURL: "https://hg.example.com/repo",
		LocalPath: "./source/",
		Revision:  "deadbeef",
	})
	require.NoError(t, err)
	require.Contains(t, script, "hg update --clean \"$REVISION\"")
}

func TestCheckoutCommandErrors(t *testing.T) {
	_, err := CheckoutCommand("svn", CheckoutParams{RemoteURL: "x", LocalPath: "y", Revision: "z"})
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	_, err = CheckoutCommand(models.RepositoryBackendGit, CheckoutParams{RemoteURL: "x"})
	require.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}
