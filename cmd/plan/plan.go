package plan

import "github.com/spf13/cobra"

// Cmd is the parent command for plan manifest operations.
var Cmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage project plan manifests",
}

func init() {
	Cmd.AddCommand(applyCmd)
}
