package build

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/labstack/echo/v4"
)

type RetryRequest struct {
	SelectiveTesting bool `json:"selective_testing"`
}

// Retry creates a new build from an existing one and redirects to it.
func (ctrl *Controller) Retry(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	req := &RetryRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("selective_testing", err)
	}

	retried, err := ctrl.builds.Retry(c.Request().Context(), id, build.RetryOptions{
		SelectiveTesting: req.SelectiveTesting,
	})
	if err != nil {
		return httperr.From(err)
	}

	return c.Redirect(http.StatusFound, "/v1/builds/"+retried.ID.String())
}

// RetrySource retries every project whose latest build of a diff source
// did not pass.
func (ctrl *Controller) RetrySource(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return echo.ErrNotFound
	}

	ctx := c.Request().Context()

	builds, err := ctrl.builds.RetryDiff(ctx, id)
	if err != nil {
		return httperr.From(err)
	}

	summaries, err := ctrl.builds.Summarize(ctx, builds)
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, summaries)
}
