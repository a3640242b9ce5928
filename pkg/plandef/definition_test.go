package plandef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var example = `
apiVersion: v1
kind: Project
metadata:
  slug: server
  name: Server
repository:
  url: https://git.example.com/server.git
options:
  build.file-whitelist: |
    src/**
    lib/**
plans:
  - label: unit
    steps:
      - implementation: default
        data:
          cluster: c1
          cpus: 4
          commands:
            - script: make test
              type: default
  - label: integration
    options:
      snapshot.allow: "1"
    steps:
      - implementation: default
        data:
          cluster: c2
`

func TestParseValidDefinition(t *testing.T) {
	def, err := Parse([]byte(example))
	require.NoError(t, err)
	require.Equal(t, "server", def.Metadata.Slug)
	require.Equal(t, BackendGit, def.Repository.Backend)
	require.Equal(t, "src/**\nlib/**\n", def.Options["build.file-whitelist"])
	require.Len(t, def.Plans, 2)
	require.Equal(t, "c1", def.Plans[0].Steps[0].Data["cluster"])
	require.Equal(t, 4, def.Plans[0].Steps[0].Data["cpus"])
	require.Equal(t, "1", def.Plans[1].Options["snapshot.allow"])
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]string{
		"kind": `
apiVersion: v1
kind: Job
metadata: {slug: s}
repository: {url: u}
`,
		"slug": `
apiVersion: v1
kind: Project
metadata: {name: s}
repository: {url: u}
`,
		"backend": `
apiVersion: v1
kind: Project
metadata: {slug: s}
repository: {url: u, backend: svn}
`,
		"duplicate plan": `
apiVersion: v1
kind: Project
metadata: {slug: s}
repository: {url: u}
plans:
  - label: a
    steps: [{implementation: default}]
  - label: a
    steps: [{implementation: default}]
`,
		"steps": `
apiVersion: v1
kind: Project
metadata: {slug: s}
repository: {url: u}
plans:
  - label: a
`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestParseAll(t *testing.T) {
	second := `
apiVersion: v1
kind: Project
metadata: {slug: client}
repository: {url: https://git.example.com/client.git, backend: hg}
`
	defs, err := ParseAll([]byte(example + "\n---\n" + second))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "client", defs[1].Metadata.Slug)
	require.Equal(t, BackendHg, defs[1].Repository.Backend)
}
