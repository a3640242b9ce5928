package build

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/labstack/echo/v4"
)

type BuildResponse struct {
	*models.Build
	Jobs []*models.Job `json:"jobs"`
}

func (ctrl *Controller) Get(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	ctx := c.Request().Context()

	b, err := ctrl.builds.Get(ctx, id)
	if err != nil {
		return httperr.From(err)
	}

	jobs, err := ctrl.builds.Jobs(ctx, id)
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, BuildResponse{Build: b, Jobs: jobs})
}
