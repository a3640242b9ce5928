package build

import (
	"context"
	"errors"
	"sort"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RetryOptions tunes a retry.
type RetryOptions struct {
	// SelectiveTesting recomputes the selective-testing policy for the
	// retry instead of running everything.
	SelectiveTesting bool
	CollectionID     uuid.UUID
}

const selectiveTestingEnabledMessage = "Selective testing was enabled for this retry."

// Retry creates a new build repeating buildID with cause retry and a fresh
// collection. A recomputed selective-testing policy that differs from the
// original build's is explained in a build message.
func (s *Service) Retry(ctx context.Context, buildID uuid.UUID, opts RetryOptions) (*models.Build, error) {
	original, err := s.Get(ctx, buildID)
	if err != nil {
		return nil, err
	}

	var (
		project models.Project
		source  models.Source
	)
	if err := s.db(ctx).First(&project, "id = ?", original.ProjectID).Error; err != nil {
		return nil, err
	}
	if err := s.db(ctx).First(&source, "id = ?", original.SourceID).Error; err != nil {
		return nil, err
	}

	if opts.CollectionID == uuid.Nil {
		opts.CollectionID = uuid.New()
	}

	policy := models.SelectiveTestingDisabled
	var message string
	if opts.SelectiveTesting {
		computed, err := s.selectiveTesting(ctx, &project, &source)
		if err != nil {
			return nil, err
		}
		policy = computed.Policy
		if policy != original.SelectiveTestingPolicy {
			message = computed.Message()
			if computed.Enabled() {
				message = selectiveTestingEnabledMessage
			}
		}
	}

	req := CreateRequest{
		Projects:     []*models.Project{&project},
		Source:       &source,
		Label:        original.Label,
		Target:       original.Target,
		Message:      original.Message,
		Author:       original.Author,
		Cause:        models.CauseRetry,
		Priority:     original.Priority,
		CollectionID: opts.CollectionID,
	}
	build, jobs, err := s.createWith(ctx, &project, req, policy, message)
	if err != nil {
		return nil, err
	}
	s.created(ctx, &project, build, jobs)
	log.Info("build retried", "original_build_id", original.ID, "build_id", build.ID, "selective_testing", policy)
	return build, nil
}

// RetryDiff retries, for every project with a finished build of sourceID
// that did not pass, that project's highest-numbered build of the source.
// The retries share one collection.
func (s *Service) RetryDiff(ctx context.Context, sourceID uuid.UUID) ([]*models.Build, error) {
	var source models.Source
	if err := s.db(ctx).First(&source, "id = ?", sourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("source", sourceID.String())
		}
		return nil, err
	}
	if source.IsCommit() {
		return nil, problem.Invalid("source is not a diff", "source")
	}

	var builds []*models.Build
	if err := s.db(ctx).Where("source_id = ?", sourceID).Order("number DESC").Find(&builds).Error; err != nil {
		return nil, err
	}

	latest := make(map[uuid.UUID]*models.Build)
	failed := make(map[uuid.UUID]bool)
	for _, build := range builds {
		if _, ok := latest[build.ProjectID]; !ok {
			latest[build.ProjectID] = build
		}
		if build.Status == models.StatusFinished && build.Result != models.ResultPassed {
			failed[build.ProjectID] = true
		}
	}

	targets := make([]*models.Build, 0, len(failed))
	for projectID := range failed {
		targets = append(targets, latest[projectID])
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].CreatedAt.Before(targets[j].CreatedAt)
	})

	collection := uuid.New()
	out := make([]*models.Build, 0, len(targets))
	for _, target := range targets {
		build, err := s.Retry(ctx, target.ID, RetryOptions{CollectionID: collection})
		if err != nil {
			return out, err
		}
		out = append(out, build)
	}
	return out, nil
}
