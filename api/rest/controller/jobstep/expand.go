package jobstep

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/labstack/echo/v4"
)

type ExpandRequest struct {
	Phase  string            `json:"phase"`
	Shards []buildstep.Shard `json:"shards"`
}

// Expand fans the step's job out into one new step per shard in the named
// phase.
func (ctrl *Controller) Expand(c echo.Context) error {
	id, ok := stepID(c)
	if !ok {
		return echo.ErrNotFound
	}

	req := &ExpandRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	steps, err := ctrl.syncer.Expand(c.Request().Context(), id, stepsync.ExpandRequest{
		Phase:  req.Phase,
		Shards: req.Shards,
	})
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusCreated, steps)
}
