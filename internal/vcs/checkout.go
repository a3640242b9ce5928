package vcs

import (
	"fmt"
	"strings"

	"github.com/caesium-cloud/quarry/internal/models"
)

// CheckoutParams describes one repository checkout performed by an agent.
type CheckoutParams struct {
	RemoteURL string
	LocalPath string
	Revision  string
	// PatchURL, when set, is fetched and applied on top of Revision.
	PatchURL string
}

type checkoutBuilder func(CheckoutParams) string

var checkoutBuilders = map[models.RepositoryBackend]checkoutBuilder{
	models.RepositoryBackendGit: gitCheckout,
	models.RepositoryBackendHg:  hgCheckout,
}

// CheckoutCommand renders the shell script an agent runs to check out a
// repository with the given backend.
func CheckoutCommand(backend models.RepositoryBackend, params CheckoutParams) (string, error) {
	build, ok := checkoutBuilders[backend]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
	if params.RemoteURL == "" || params.LocalPath == "" || params.Revision == "" {
		return "", fmt.Errorf("checkout requires remote url, local path and revision")
	}
	return build(params), nil
}

func gitCheckout(p CheckoutParams) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash -eux\n")
	fmt.Fprintf(&b, "REMOTE_URL=%s\n", shellQuote(p.RemoteURL))
	fmt.Fprintf(&b, "LOCAL_PATH=%s\n", shellQuote(p.LocalPath))
	fmt.Fprintf(&b, "REVISION=%s\n", shellQuote(p.Revision))
	b.WriteString(`if [ ! -d "$LOCAL_PATH/.git" ]; then
  GIT_SSH_COMMAND="ssh -o StrictHostKeyChecking=no" git clone "$REMOTE_URL" "$LOCAL_PATH"
  pushd "$LOCAL_PATH"
else
  pushd "$LOCAL_PATH"
  git remote set-url origin "$REMOTE_URL"
  GIT_SSH_COMMAND="ssh -o StrictHostKeyChecking=no" git fetch --all -p
fi
GIT_SSH_COMMAND="ssh -o StrictHostKeyChecking=no" git fetch -q --all -p
git clean -fdx
if ! git reset --hard "$REVISION" --; then
  git checkout "$REVISION" --
fi
`)
	if p.PatchURL != "" {
		fmt.Fprintf(&b, "curl -fsSL %s | git apply --index -\n", shellQuote(p.PatchURL))
	}
	b.WriteString("popd\n")
	return b.String()
}

func hgCheckout(p CheckoutParams) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash -eux\n")
	fmt.Fprintf(&b, "REMOTE_URL=%s\n", shellQuote(p.RemoteURL))
	fmt.Fprintf(&b, "LOCAL_PATH=%s\n", shellQuote(p.LocalPath))
	fmt.Fprintf(&b, "REVISION=%s\n", shellQuote(p.Revision))
	b.WriteString(`if [ ! -d "$LOCAL_PATH/.hg" ]; then
  hg clone "$REMOTE_URL" "$LOCAL_PATH"
  pushd "$LOCAL_PATH"
else
  pushd "$LOCAL_PATH"
  hg pull "$REMOTE_URL"
fi
hg purge --all
hg update --clean "$REVISION"
`)
	if p.PatchURL != "" {
		fmt.Fprintf(&b, "curl -fsSL %s | hg import --no-commit -\n", shellQuote(p.PatchURL))
	}
	b.WriteString("popd\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
