package jobstep

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/labstack/echo/v4"
)

type DeallocateError struct {
	Message      string        `json:"message"`
	ActualStatus models.Status `json:"actual_status"`
}

func (ctrl *Controller) Deallocate(c echo.Context) error {
	id, ok := stepID(c)
	if !ok {
		return echo.ErrNotFound
	}

	step, err := ctrl.alloc.Deallocate(c.Request().Context(), id)

	var notAllocated *allocation.NotAllocatedError
	switch {
	case errors.Is(err, allocation.ErrStepNotFound):
		return echo.ErrNotFound
	case errors.As(err, &notAllocated):
		return c.JSON(http.StatusBadRequest, DeallocateError{
			Message:      notAllocated.Error(),
			ActualStatus: notAllocated.Actual,
		})
	case err != nil:
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, step)
}
