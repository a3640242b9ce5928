package snapshot

import (
	"fmt"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/pkg/db"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/spf13/cobra"
)

var gcCluster string

var gcCmd = &cobra.Command{
	Use:     "gc",
	Short:   "Evict expired snapshot cache entries",
	Example: "quarry snapshot gc --cluster c1",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.Migrate(); err != nil {
			return err
		}

		svc := snapshot.NewService(buildstep.Deps{
			DB:  db.Connection(),
			Bus: event.Nop(),
			Env: env.Variables(),
		})
		return collect(cmd, svc, gcCluster)
	},
}

func init() {
	gcCmd.Flags().StringVar(&gcCluster, "cluster", "", "Cluster label to collect (default: every cluster)")
}

func collect(cmd *cobra.Command, svc *snapshot.Service, cluster string) error {
	ctx := cmd.Context()

	clusters := []string{cluster}
	if cluster == "" {
		var err error
		if clusters, err = svc.Clusters(ctx); err != nil {
			return err
		}
	}

	for _, label := range clusters {
		evicted, err := svc.Evict(ctx, label)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: evicted %d cache entries\n", label, evicted)
	}
	return nil
}
