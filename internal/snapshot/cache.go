package snapshot

import (
	"context"
	"sort"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
)

// planClusters maps every plan to the cluster its build step runs on.
// Plans without steps or a cluster are left out.
func (s *Service) planClusters(ctx context.Context) (map[uuid.UUID]string, error) {
	var steps []models.PlanStep
	if err := s.db(ctx).Order("plan_id ASC, step_order ASC").Find(&steps).Error; err != nil {
		return nil, err
	}

	clusters := make(map[uuid.UUID]string)
	seen := make(map[uuid.UUID]struct{})
	for _, step := range steps {
		if _, ok := seen[step.PlanID]; ok {
			continue
		}
		seen[step.PlanID] = struct{}{}
		if cluster := buildstep.ClusterOf(step.Data); cluster != "" {
			clusters[step.PlanID] = cluster
		}
	}
	return clusters, nil
}

// cached returns every cached image whose plan executes on cluster.
func (s *Service) cached(ctx context.Context, cluster string) ([]models.CachedSnapshotImage, error) {
	clusters, err := s.planClusters(ctx)
	if err != nil {
		return nil, err
	}

	var plans []uuid.UUID
	for planID, label := range clusters {
		if label == cluster {
			plans = append(plans, planID)
		}
	}
	if len(plans) == 0 {
		return nil, nil
	}

	var rows []models.CachedSnapshotImage
	err = s.db(ctx).
		Where("id IN (?)", s.db(ctx).Model(&models.SnapshotImage{}).Select("id").Where("plan_id IN ?", plans)).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ClusterCache returns the working set of cluster: cached images of plans
// running there that have not expired.
func (s *Service) ClusterCache(ctx context.Context, cluster string) ([]models.CachedSnapshotImage, error) {
	rows, err := s.cached(ctx, cluster)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]models.CachedSnapshotImage, 0, len(rows))
	for _, row := range rows {
		if !row.Expired(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Stale returns the cached images of cluster eligible for eviction.
func (s *Service) Stale(ctx context.Context, cluster string) ([]models.CachedSnapshotImage, error) {
	rows, err := s.cached(ctx, cluster)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []models.CachedSnapshotImage
	for _, row := range rows {
		if row.Expired(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Evict deletes the stale cache records of cluster and returns how many
// were removed.
func (s *Service) Evict(ctx context.Context, cluster string) (int, error) {
	stale, err := s.Stale(ctx, cluster)
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	ids := make([]uuid.UUID, 0, len(stale))
	for _, row := range stale {
		ids = append(ids, row.ID)
	}
	res := s.db(ctx).Where("id IN ?", ids).Delete(&models.CachedSnapshotImage{})
	if res.Error != nil {
		return 0, res.Error
	}

	metrics.SnapshotCacheEvictionsTotal.WithLabelValues(cluster).Add(float64(res.RowsAffected))
	log.Info("evicted stale snapshot images", "cluster", cluster, "count", res.RowsAffected)
	return int(res.RowsAffected), nil
}

// Clusters lists the distinct clusters plans execute on, sorted.
func (s *Service) Clusters(ctx context.Context) ([]string, error) {
	clusters, err := s.planClusters(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(clusters))
	for _, label := range clusters {
		set[label] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for label := range set {
		out = append(out, label)
	}
	sort.Strings(out)
	return out, nil
}

// SnapshotCache returns, for each cluster one of the snapshot's plans runs
// on, that cluster's current working set.
func (s *Service) SnapshotCache(ctx context.Context, snapshotID uuid.UUID) (map[string][]models.CachedSnapshotImage, error) {
	var images []models.SnapshotImage
	if err := s.db(ctx).Where("snapshot_id = ?", snapshotID).Find(&images).Error; err != nil {
		return nil, err
	}

	clusters, err := s.planClusters(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]models.CachedSnapshotImage)
	for _, image := range images {
		label, ok := clusters[image.PlanID]
		if !ok {
			continue
		}
		if _, done := out[label]; done {
			continue
		}
		rows, err := s.ClusterCache(ctx, label)
		if err != nil {
			return nil, err
		}
		out[label] = rows
	}
	return out, nil
}
