package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caesium-cloud/quarry/api/gql"
	"github.com/caesium-cloud/quarry/api/rest/bind"
	buildctrl "github.com/caesium-cloud/quarry/api/rest/controller/build"
	eventctrl "github.com/caesium-cloud/quarry/api/rest/controller/event"
	"github.com/caesium-cloud/quarry/api/rest/controller/jobstep"
	"github.com/caesium-cloud/quarry/api/rest/controller/patch"
	snapshotctrl "github.com/caesium-cloud/quarry/api/rest/controller/snapshot"
	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
)

// Services are the core collaborators the API serves.
type Services struct {
	Deps      buildstep.Deps
	Builds    *build.Service
	Snapshots *snapshot.Service
	Allocator *allocation.Allocator
	Syncer    *stepsync.Syncer
}

// New assembles quarry's HTTP surface without metrics middleware.
func New(s Services) (*echo.Echo, error) {
	bus := s.Deps.Bus
	if bus == nil {
		bus = event.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health(s.Deps.DB))

	// REST
	bind.All(e.Group("/v1"), bind.Controllers{
		JobSteps:  jobstep.New(s.Deps, s.Allocator, s.Syncer),
		Builds:    buildctrl.New(s.Builds),
		Patches:   patch.New(s.Builds),
		Snapshots: snapshotctrl.New(s.Builds, s.Snapshots),
		Events:    eventctrl.New(bus),
	})

	// GraphQL
	query, err := gql.Handler(s.Deps.DB)
	if err != nil {
		return nil, err
	}
	e.GET("/gql", query)
	e.POST("/gql", query)

	return e, nil
}

// Start launches quarry's API and serves until ctx is done.
func Start(ctx context.Context, s Services) error {
	e, err := New(s)
	if err != nil {
		return err
	}

	// metrics
	prometheus.NewPrometheus("quarry", nil).Use(e)

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdown); err != nil {
			log.Error("api shutdown failure", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%v", s.Deps.Env.Port)
	log.Info("api listening", "addr", addr)

	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
