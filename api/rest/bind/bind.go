package bind

import (
	"github.com/caesium-cloud/quarry/api/rest/controller/build"
	"github.com/caesium-cloud/quarry/api/rest/controller/event"
	"github.com/caesium-cloud/quarry/api/rest/controller/jobstep"
	"github.com/caesium-cloud/quarry/api/rest/controller/patch"
	"github.com/caesium-cloud/quarry/api/rest/controller/snapshot"
	"github.com/labstack/echo/v4"
)

// Controllers are the handlers mounted under /v1.
type Controllers struct {
	JobSteps  *jobstep.Controller
	Builds    *build.Controller
	Patches   *patch.Controller
	Snapshots *snapshot.Controller
	Events    *event.Controller
}

func All(g *echo.Group, c Controllers) {
	JobSteps(g.Group("/jobsteps"), c.JobSteps)
	Builds(g, c.Builds)
	Snapshots(g, c.Snapshots)

	g.GET("/patches/:id", c.Patches.Get)
	g.GET("/events", c.Events.Stream)
}

func JobSteps(g *echo.Group, ctrl *jobstep.Controller) {
	g.POST("/allocate", ctrl.Allocate)
	g.POST("/:id/deallocate", ctrl.Deallocate)
	g.POST("/:id/finish", ctrl.Finish)
	g.POST("/:id/expand", ctrl.Expand)
}

func Builds(g *echo.Group, ctrl *build.Controller) {
	g.POST("/builds", ctrl.Post)
	g.GET("/builds/:id", ctrl.Get)
	g.POST("/builds/:id/retry", ctrl.Retry)
	g.POST("/sources/:id/retry", ctrl.RetrySource)
}

func Snapshots(g *echo.Group, ctrl *snapshot.Controller) {
	g.POST("/snapshots", ctrl.Post)
	g.GET("/snapshots/:id/cache", ctrl.SnapshotCache)
	g.POST("/snapshotimages/:id", ctrl.UpdateImage)
	g.POST("/snapshotimages/:id/cache", ctrl.Cache)
	g.GET("/clusters/:label/snapshot-cache", ctrl.ClusterCache)
}
