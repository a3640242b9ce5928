package vcs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/go-git/go-git/v5/plumbing/transport"
	httpauth "github.com/go-git/go-git/v5/plumbing/transport/http"
	sshauth "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/stretchr/testify/require"
)

func TestAuthFromEnvEmpty(t *testing.T) {
	require.Nil(t, AuthFromEnv(env.Environment{}))
}

func TestAuthNil(t *testing.T) {
	var auth *Auth
	method, err := auth.method("https://example.com/repo.git")
	require.NoError(t, err)
	require.Nil(t, method)
}

func TestAuthBasic(t *testing.T) {
	auth := AuthFromEnv(env.Environment{GitUsername: "bot", GitPassword: "token"})
	require.NotNil(t, auth)

	method, err := auth.method("https://example.com/repo.git")
	require.NoError(t, err)
	basic, ok := method.(*httpauth.BasicAuth)
	require.True(t, ok)
	require.Equal(t, "bot", basic.Username)
	require.Equal(t, "token", basic.Password)
}

func TestAuthSSHKnownHosts(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_rsa")
	knownPath := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(keyPath, []byte(generatePrivateKey(t)), 0o600))
	require.NoError(t, os.WriteFile(knownPath, []byte(githubKnownHost+"\n"), 0o600))

	auth := &Auth{SSHKeyPath: keyPath, KnownHostsPath: knownPath}
	method, err := auth.method("git@github.com:org/repo.git")
	require.NoError(t, err)

	pk, ok := method.(*sshauth.PublicKeys)
	require.True(t, ok)
	require.Equal(t, "git", pk.User)
	require.NotNil(t, pk.HostKeyCallback)
}

func TestAuthSSHWithoutKnownHosts(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(keyPath, []byte(generatePrivateKey(t)), 0o600))

	auth := &Auth{SSHKeyPath: keyPath}
	_, err := auth.method("git@github.com:org/repo.git")
	require.Error(t, err)
	require.Contains(t, err.Error(), "known hosts")
}

func TestHostWithPort(t *testing.T) {
	for url, want := range map[string]string{
		"git@github.com:org/repo.git":        "github.com:22",
		"https://example.com/repo.git":       "example.com:443",
		"ssh://git@example.com:2222/repo.git": "example.com:2222",
	} {
		endpoint, err := transport.NewEndpoint(url)
		require.NoError(t, err)
		require.Equal(t, want, hostWithPort(endpoint), url)
	}
}

func generatePrivateKey(tb testing.TB) string {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate private key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

const githubKnownHost = "github.com ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQCj7ndNxQowgcQnjshcLrqPEiiphnt+VTTvDP6mHBL9j1aNUkY4Ue1gvwnGLVlOhGeYrnZaMgRK6+PKCUXaDbC7qtbW8gIkhL7aGCsOr/C56SJMy/BCZfxd1nWzAOxSDPgVsmerOBYfNqltV9/hWCqBywINIR+5dIg6JTJ72pcEpEjcYgXkE2YEFXV1JHnsKgbLWNlhScqb2UmyRkQyytRLtL+38TGxkxCflmO+5Z8CSSNY7GidjMIZ7Q4zMjA2n1nGrlTDkzwDCsw+wqFPGQA179cnfGWOWRVruj16z6XyvxvjJwbz0wQZ75XK5tKSb7FNyeIEs4TT4jk+S4dhPeAUC5y+bDYirYgM4GC7uEnztnZyaVWQ7B381AK4Qdrwt51ZqExKbQpTUNn+EjqoTwvqNj4kqx5QUCI0ThS/YkOxJCXmPUWZbhjpCg56i+2aB6CmK2JGhn57K5mj0MNdBXA4/WnwH6XoPWJzK5Nyu2zB3nAZp+S5hpQs+p1vN1/wsjk="
