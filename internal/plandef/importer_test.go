package plandef

import (
	"context"
	"strings"
	"testing"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/testutil"
	schema "github.com/caesium-cloud/quarry/pkg/plandef"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) *schema.Definition {
	t.Helper()
	def, err := schema.Parse([]byte(src))
	require.NoError(t, err)
	return def
}

func TestImporterApplyCreatesProject(t *testing.T) {
	db := testutil.OpenTestDB(t)
	importer := NewImporter(db)

	project, err := importer.Apply(context.Background(), parse(t, testutil.SampleManifest))
	require.NoError(t, err)
	require.Equal(t, "server", project.Slug)
	require.Equal(t, "Server", project.Name)

	testutil.AssertCount(t, db, &models.Repository{}, 1)
	testutil.AssertCount(t, db, &models.Plan{}, 2)
	testutil.AssertCount(t, db, &models.PlanStep{}, 2)

	options, err := models.LoadProjectOptions(db, project.ID)
	require.NoError(t, err)
	require.Equal(t, "src/**\n", options[models.OptionFileWhitelist])

	var plan models.Plan
	require.NoError(t, db.Where("label = ?", "integration").First(&plan).Error)
	planOptions, err := models.LoadPlanOptions(db, plan.ID)
	require.NoError(t, err)
	require.True(t, models.OptionEnabled(planOptions, models.OptionSnapshotAllow))

	step, err := models.BuildStep(db, plan.ID)
	require.NoError(t, err)
	require.Equal(t, "c2", buildstep.ClusterOf(step.Data))
}

func TestImporterApplyIsIdempotentAndDeactivatesRemovedPlans(t *testing.T) {
	db := testutil.OpenTestDB(t)
	importer := NewImporter(db)
	ctx := context.Background()

	_, err := importer.Apply(ctx, parse(t, testutil.SampleManifest))
	require.NoError(t, err)

	trimmed := testutil.SampleManifest[:strings.Index(testutil.SampleManifest, "  - label: integration")]
	project, err := importer.Apply(ctx, parse(t, trimmed))
	require.NoError(t, err)

	testutil.AssertCount(t, db, &models.Project{}, 1)
	testutil.AssertCount(t, db, &models.Plan{}, 2)
	testutil.AssertCount(t, db, &models.PlanStep{}, 2)

	var plans []models.Plan
	require.NoError(t, db.Where("project_id = ?", project.ID).Order("label ASC").Find(&plans).Error)
	require.Equal(t, models.ProjectStatusInactive, plans[0].Status)
	require.Equal(t, "integration", plans[0].Label)
	require.Equal(t, models.ProjectStatusActive, plans[1].Status)

	_, err = importer.Apply(ctx, parse(t, testutil.SampleManifest))
	require.NoError(t, err)
	testutil.AssertCount(t, db.Where("status = ?", models.ProjectStatusActive), &models.Plan{}, 2)
}

func TestImporterRejectsUnknownImplementation(t *testing.T) {
	db := testutil.OpenTestDB(t)
	src := strings.Replace(testutil.SampleManifest, "implementation: default", "implementation: docker", 1)

	_, err := NewImporter(db).Apply(context.Background(), parse(t, src))
	require.ErrorIs(t, err, buildstep.ErrUnknownImplementation)
	testutil.AssertCount(t, db, &models.Project{}, 0)
}

func TestImporterRejectsRepositoryMismatch(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	importer := NewImporter(db)

	_, err := importer.Apply(ctx, parse(t, testutil.SampleManifest))
	require.NoError(t, err)

	moved := strings.Replace(testutil.SampleManifest, "server.git", "other.git", 1)
	_, err = importer.Apply(ctx, parse(t, moved))
	require.ErrorIs(t, err, ErrRepositoryMismatch)
	testutil.AssertCount(t, db, &models.Repository{}, 1)
}

func TestImporterKeepsCurrentSnapshot(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	importer := NewImporter(db)

	project, err := importer.Apply(ctx, parse(t, testutil.SampleManifest))
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.ProjectOption{
		ProjectID: project.ID,
		Name:      models.OptionCurrentSnapshot,
		Value:     "7d9c5c8e-1a4c-4d6f-9a55-0f2b2d0c6c01",
	}).Error)

	_, err = importer.Apply(ctx, parse(t, testutil.SampleManifest))
	require.NoError(t, err)

	options, err := models.LoadProjectOptions(db, project.ID)
	require.NoError(t, err)
	require.Equal(t, "7d9c5c8e-1a4c-4d6f-9a55-0f2b2d0c6c01", options[models.OptionCurrentSnapshot])
	require.Contains(t, options, models.OptionFileWhitelist)
}
