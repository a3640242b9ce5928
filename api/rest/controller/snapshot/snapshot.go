// Package snapshot serves snapshot builds, image status updates and the
// per-cluster snapshot cache.
package snapshot

import (
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	builds    *build.Service
	snapshots *snapshot.Service
}

func New(builds *build.Service, snapshots *snapshot.Service) *Controller {
	return &Controller{builds: builds, snapshots: snapshots}
}

func pathID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}
