package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*snapshot.Service, *cobra.Command, *bytes.Buffer) {
	t.Helper()

	db := testutil.OpenTestDB(t)
	fx := testutil.NewFixtures(t, db)

	project := fx.Project(fx.Repository("https://git.example.com/server.git"), "server", nil)
	snap := fx.Snapshot(project, models.SnapshotStatusActive)
	expired := time.Now().Add(-time.Hour)
	for _, tc := range []struct{ label, cluster string }{
		{"unit", "c1"},
		{"integration", "c2"},
	} {
		plan := fx.Plan(project, tc.label, buildstep.ImplementationDefault, map[string]any{
			"cluster":  tc.cluster,
			"commands": []any{map[string]any{"script": "make"}},
		}, nil)
		fx.Cached(fx.SnapshotImage(snap, plan, models.SnapshotStatusActive), &expired)
	}

	svc := snapshot.NewService(buildstep.Deps{DB: db, Bus: event.Nop(), Env: env.Environment{}})

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(out)
	return svc, cmd, out
}

func TestCollectEveryCluster(t *testing.T) {
	svc, cmd, out := setup(t)

	require.NoError(t, collect(cmd, svc, ""))
	require.Equal(t, "c1: evicted 1 cache entries\nc2: evicted 1 cache entries\n", out.String())
}

func TestCollectSingleCluster(t *testing.T) {
	svc, cmd, out := setup(t)

	require.NoError(t, collect(cmd, svc, "c2"))
	require.Equal(t, "c2: evicted 1 cache entries\n", out.String())

	stale, err := svc.Stale(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stale, 1)
}
