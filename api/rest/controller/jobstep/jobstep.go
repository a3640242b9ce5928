// Package jobstep serves the worker-facing step protocol: allocate,
// deallocate, finish and expand.
package jobstep

import (
	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	deps   buildstep.Deps
	alloc  *allocation.Allocator
	syncer *stepsync.Syncer
}

func New(deps buildstep.Deps, alloc *allocation.Allocator, syncer *stepsync.Syncer) *Controller {
	return &Controller{deps: deps, alloc: alloc, syncer: syncer}
}

// stepID parses the :id path parameter. Malformed ids cannot name a step.
func stepID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}
