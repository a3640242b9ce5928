package jobstep

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/labstack/echo/v4"
)

type FinishRequest struct {
	Result models.Result `json:"result"`
	Node   string        `json:"node"`
}

func (ctrl *Controller) Finish(c echo.Context) error {
	id, ok := stepID(c)
	if !ok {
		return echo.ErrNotFound
	}

	req := &FinishRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	step, err := ctrl.syncer.Finish(c.Request().Context(), id, stepsync.FinishRequest{
		Result: req.Result,
		Node:   req.Node,
	})
	if errors.Is(err, stepsync.ErrInvalidResult) {
		return httperr.BadRequest("result", err)
	}
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, step)
}
