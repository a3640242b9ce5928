package snapshot

import (
	"errors"
	"net/http"
	"time"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/labstack/echo/v4"
)

type UpdateImageRequest struct {
	Status     models.SnapshotStatus `json:"status"`
	SetCurrent bool                  `json:"set_current"`
}

// UpdateImage records the outcome of building one snapshot image. The
// owning snapshot's status follows its images.
func (ctrl *Controller) UpdateImage(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	req := &UpdateImageRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	image, err := ctrl.snapshots.UpdateImage(c.Request().Context(), id, req.Status, req.SetCurrent)
	if errors.Is(err, snapshot.ErrInvalidStatus) {
		return httperr.BadRequest("status", err)
	}
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, image)
}

type CacheRequest struct {
	ExpirationDate *time.Time `json:"expiration_date"`
}

// Cache marks an image as present in its cluster's cache.
func (ctrl *Controller) Cache(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	req := &CacheRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("expiration_date", err)
	}

	cached, err := ctrl.snapshots.MarkCached(c.Request().Context(), id, req.ExpirationDate)
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, cached)
}
