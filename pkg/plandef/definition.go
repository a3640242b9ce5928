package plandef

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	APIVersionV1 = "v1"
	KindProject  = "Project"

	BackendGit = "git"
	BackendHg  = "hg"
)

// Definition models the root project manifest.
type Definition struct {
	Schema     string            `yaml:"$schema,omitempty" json:"$schema,omitempty"`
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   Metadata          `yaml:"metadata" json:"metadata"`
	Repository Repository        `yaml:"repository" json:"repository"`
	Options    map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
	Plans      []Plan            `yaml:"plans" json:"plans"`
}

// Metadata identifies the project.
type Metadata struct {
	Slug string `yaml:"slug" json:"slug"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Repository is the repository the project builds.
type Repository struct {
	URL     string `yaml:"url" json:"url"`
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
}

// Plan is one named build definition.
type Plan struct {
	Label   string            `yaml:"label" json:"label"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
	Steps   []Step            `yaml:"steps" json:"steps"`
}

// Step is one ordered build step config.
type Step struct {
	Implementation string         `yaml:"implementation" json:"implementation"`
	Data           map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// UnmarshalYAML defaults the repository backend to git.
func (r *Repository) UnmarshalYAML(value *yaml.Node) error {
	type rawRepository Repository
	rr := rawRepository{Backend: BackendGit}
	if err := value.Decode(&rr); err != nil {
		return err
	}
	*r = Repository(rr)
	if r.Backend == "" {
		r.Backend = BackendGit
	}
	return nil
}

// Parse parses YAML bytes into a Definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseAll parses a stream of YAML documents.
func ParseAll(data []byte) ([]*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var defs []*Definition
	for {
		var def Definition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if def.APIVersion == "" && def.Kind == "" {
			continue
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", len(defs), err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// Validate performs semantic validation on the definition.
func (d *Definition) Validate() error {
	if d.APIVersion != APIVersionV1 {
		return fmt.Errorf("unsupported apiVersion: %s", d.APIVersion)
	}
	if d.Kind != KindProject {
		return fmt.Errorf("unsupported kind: %s", d.Kind)
	}
	if strings.TrimSpace(d.Metadata.Slug) == "" {
		return fmt.Errorf("metadata.slug is required")
	}
	if strings.TrimSpace(d.Repository.URL) == "" {
		return fmt.Errorf("repository.url is required")
	}
	switch d.Repository.Backend {
	case BackendGit, BackendHg:
	default:
		return fmt.Errorf("repository.backend must be one of [%s,%s]", BackendGit, BackendHg)
	}
	return validatePlans(d.Plans)
}

func validatePlans(plans []Plan) error {
	labels := make(map[string]struct{}, len(plans))
	for i := range plans {
		plan := &plans[i]
		if strings.TrimSpace(plan.Label) == "" {
			return fmt.Errorf("plans[%d].label is required", i)
		}
		if _, exists := labels[plan.Label]; exists {
			return fmt.Errorf("duplicate plan label %q", plan.Label)
		}
		labels[plan.Label] = struct{}{}

		if len(plan.Steps) == 0 {
			return fmt.Errorf("plans[%d].steps must contain at least one entry", i)
		}
		for j, step := range plan.Steps {
			if strings.TrimSpace(step.Implementation) == "" {
				return fmt.Errorf("plans[%d].steps[%d].implementation is required", i, j)
			}
		}
	}
	return nil
}
