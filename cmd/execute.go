package cmd

import (
	"github.com/caesium-cloud/quarry/cmd/plan"
	"github.com/caesium-cloud/quarry/cmd/snapshot"
	"github.com/caesium-cloud/quarry/cmd/start"
	"github.com/spf13/cobra"
)

var cmds = []*cobra.Command{
	start.Cmd,
	plan.Cmd,
	snapshot.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use: "quarry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
