// Package build serves build submission, lookup and retries.
package build

import (
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

func pathID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}
