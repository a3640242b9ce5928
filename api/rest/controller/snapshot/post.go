package snapshot

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/labstack/echo/v4"
)

type PostRequest struct {
	Project string `json:"project"`
	SHA     string `json:"sha"`
	Label   string `json:"label"`
	Author  string `json:"author"`
}

type PostResponse struct {
	Snapshot *models.Snapshot `json:"snapshot"`
	Build    *models.Build    `json:"build"`
}

// Post starts a build producing a new snapshot of a project.
func (ctrl *Controller) Post(c echo.Context) error {
	req := &PostRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	snap, b, err := ctrl.builds.SubmitSnapshot(c.Request().Context(), build.SnapshotSubmit{
		Project: req.Project,
		SHA:     req.SHA,
		Label:   req.Label,
		Author:  req.Author,
	})
	if errors.Is(err, build.ErrNoSnapshotPlans) {
		return httperr.BadRequest("project", err)
	}
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusCreated, PostResponse{Snapshot: snap, Build: b})
}
