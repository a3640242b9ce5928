package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caesium-cloud/quarry/internal/plandef"
	"github.com/caesium-cloud/quarry/pkg/db"
	schema "github.com/caesium-cloud/quarry/pkg/plandef"
	"github.com/spf13/cobra"
)

var applyPaths []string

var applyCmd = &cobra.Command{
	Use:     "apply",
	Short:   "Apply project manifests to the database",
	Example: "quarry plan apply -f manifests/",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := collectDefinitions(applyPaths)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No project manifests found.")
			return nil
		}

		if err := db.Migrate(); err != nil {
			return err
		}

		importer := plandef.NewImporter(db.Connection())
		for _, def := range defs {
			project, err := importer.Apply(cmd.Context(), def)
			if err != nil {
				return fmt.Errorf("%s: %w", def.Metadata.Slug, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s (%d plans)\n", project.Slug, len(def.Plans))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringSliceVarP(&applyPaths, "file", "f", nil, "Manifest files or directories (default: current directory)")
}

func collectDefinitions(paths []string) ([]*schema.Definition, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var defs []*schema.Definition
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !isYAML(p) {
				return nil, fmt.Errorf("%s is not a YAML file", p)
			}
			if defs, err = appendDefinitions(p, defs); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(p, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}
			defs, err = appendDefinitions(path, defs)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func appendDefinitions(path string, defs []*schema.Definition) ([]*schema.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defs, err
	}

	parsed, err := schema.ParseAll(data)
	if err != nil {
		return defs, fmt.Errorf("%s: %w", path, err)
	}
	return append(defs, parsed...), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
