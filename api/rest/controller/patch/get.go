// Package patch serves stored patches. Agents fetch the raw diff through
// the checkout command's patch URL.
package patch

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	builds *build.Service
}

func New(builds *build.Service) *Controller {
	return &Controller{builds: builds}
}

// Get returns the patch metadata, or the diff text itself with ?raw=1.
func (ctrl *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrNotFound
	}

	patch, err := ctrl.builds.Patch(c.Request().Context(), id)
	if err != nil {
		return httperr.From(err)
	}

	if c.QueryParam("raw") == "1" {
		return c.String(http.StatusOK, patch.Diff)
	}
	return c.JSON(http.StatusOK, patch)
}
