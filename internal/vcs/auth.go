package vcs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/go-git/go-git/v5/plumbing/transport"
	httpauth "github.com/go-git/go-git/v5/plumbing/transport/http"
	sshauth "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/skeema/knownhosts"
)

// Auth holds the credentials used to talk to remotes. SSH settings apply
// to ssh remotes, basic auth to http(s) remotes.
type Auth struct {
	Username       string
	Password       string
	SSHKeyPath     string
	SSHPassphrase  string
	KnownHostsPath string
}

// AuthFromEnv reads git credentials from the environment. It returns nil
// when none are configured.
func AuthFromEnv(vars env.Environment) *Auth {
	auth := &Auth{
		Username:       strings.TrimSpace(vars.GitUsername),
		Password:       vars.GitPassword,
		SSHKeyPath:     strings.TrimSpace(vars.GitSSHKeyPath),
		SSHPassphrase:  vars.GitSSHPassphrase,
		KnownHostsPath: strings.TrimSpace(vars.GitKnownHostsPath),
	}
	if *auth == (Auth{}) {
		return nil
	}
	return auth
}

func (a *Auth) method(url string) (transport.AuthMethod, error) {
	if a == nil {
		return nil, nil
	}

	endpoint, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(endpoint.Protocol) {
	case "ssh", "git+ssh":
		if a.SSHKeyPath == "" {
			return nil, nil
		}
		return a.sshAuth(endpoint)
	case "http", "https":
		if a.Username == "" && strings.TrimSpace(a.Password) == "" {
			return nil, nil
		}
		return &httpauth.BasicAuth{Username: a.Username, Password: a.Password}, nil
	default:
		return nil, nil
	}
}

func (a *Auth) sshAuth(endpoint *transport.Endpoint) (transport.AuthMethod, error) {
	key, err := os.ReadFile(a.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	username := endpoint.User
	if username == "" {
		username = sshauth.DefaultUsername
	}

	pk, err := sshauth.NewPublicKeys(username, key, a.SSHPassphrase)
	if err != nil {
		return nil, err
	}

	if a.KnownHostsPath == "" {
		return nil, errors.New("ssh known hosts configuration required")
	}

	db, err := knownhosts.NewDB(a.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	host := hostWithPort(endpoint)
	if host != "" && len(db.HostKeyAlgorithms(host)) == 0 {
		return nil, fmt.Errorf("no known_hosts entry for %s", host)
	}

	pk.HostKeyCallbackHelper = sshauth.HostKeyCallbackHelper{
		HostKeyCallback: db.HostKeyCallback(),
	}
	return pk, nil
}

func hostWithPort(endpoint *transport.Endpoint) string {
	if endpoint == nil {
		return ""
	}
	host := strings.TrimSpace(endpoint.Host)
	if host == "" {
		return ""
	}
	port := endpoint.Port
	if port == 0 {
		switch strings.ToLower(endpoint.Protocol) {
		case "http":
			port = 80
		case "https":
			port = 443
		case "git":
			port = 9418
		default:
			port = 22
		}
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = fmt.Sprintf("[%s]", host)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
