package jobstep

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/labstack/echo/v4"
)

type AllocateRequest struct {
	Cluster string `json:"cluster"`
}

// AllocateResponse is the claimed step plus what its agent needs to run it.
type AllocateResponse struct {
	*models.JobStep
	Params map[string]string `json:"params"`
}

// Allocate claims one queued step. An empty 200 means nothing is queued.
func (ctrl *Controller) Allocate(c echo.Context) error {
	req := &AllocateRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	ctx := c.Request().Context()

	step, err := ctrl.alloc.Allocate(ctx, allocation.AllocateRequest{Cluster: req.Cluster})
	if err != nil {
		return httperr.From(err)
	}
	if step == nil {
		return c.NoContent(http.StatusOK)
	}

	params, err := ctrl.params(c, step)
	if err != nil {
		// hand the step back so redispatch can offer it again
		if _, derr := ctrl.alloc.Deallocate(ctx, step.ID); derr != nil {
			log.Error("failed to release step", "jobstep_id", step.ID, "error", derr)
		}
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, AllocateResponse{JobStep: step, Params: params})
}

func (ctrl *Controller) params(c echo.Context, step *models.JobStep) (map[string]string, error) {
	ctx := c.Request().Context()
	bs, _, err := buildstep.ForStep(ctx, ctrl.deps, step)
	if err != nil {
		return nil, err
	}
	return bs.AllocationParams(ctx, step)
}
