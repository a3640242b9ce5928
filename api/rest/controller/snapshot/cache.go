package snapshot

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/labstack/echo/v4"
)

// SnapshotCache lists, per cluster the snapshot's plans run on, the images
// that cluster should keep.
func (ctrl *Controller) SnapshotCache(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	cache, err := ctrl.snapshots.SnapshotCache(c.Request().Context(), id)
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, cache)
}

// ClusterCache lists the unexpired images cached on a cluster.
func (ctrl *Controller) ClusterCache(c echo.Context) error {
	images, err := ctrl.snapshots.ClusterCache(c.Request().Context(), c.Param("label"))
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, images)
}
