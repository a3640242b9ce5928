package snapshot

import "github.com/spf13/cobra"

// Cmd is the parent command for snapshot maintenance.
var Cmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Maintain snapshot images and their caches",
}

func init() {
	Cmd.AddCommand(gcCmd)
}
