package build

import (
	"net/http"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/labstack/echo/v4"
)

type PostRequest struct {
	Project    string `json:"project"`
	Repository string `json:"repository"`
	SHA        string `json:"sha"`

	Patch      string `json:"patch"`
	PatchLabel string `json:"patch_label"`

	Label    string `json:"label"`
	Target   string `json:"target"`
	Message  string `json:"message"`
	Author   string `json:"author"`
	Priority int    `json:"priority"`

	SnapshotID string `json:"snapshot_id"`
	NoSnapshot bool   `json:"no_snapshot"`

	ApplyFileFilter  bool `json:"apply_project_files_trigger"`
	EnsureOnly       bool `json:"ensure_only"`
	SelectiveTesting bool `json:"selective_testing"`
}

// Post creates builds for a project, or for every project of a
// repository, and lists them. The list may be empty.
func (ctrl *Controller) Post(c echo.Context) error {
	req := &PostRequest{}
	if err := c.Bind(req); err != nil {
		return httperr.BadRequest("body", err)
	}

	log.Info(
		"build requested",
		"project", req.Project,
		"repository", req.Repository,
		"sha", req.SHA,
		"patch", req.Patch != "",
	)

	ctx := c.Request().Context()

	builds, err := ctrl.builds.Submit(ctx, build.Request{
		Project:          req.Project,
		Repository:       req.Repository,
		SHA:              req.SHA,
		Patch:            req.Patch,
		PatchLabel:       req.PatchLabel,
		Label:            req.Label,
		Target:           req.Target,
		Message:          req.Message,
		Author:           req.Author,
		Priority:         req.Priority,
		SnapshotID:       req.SnapshotID,
		NoSnapshot:       req.NoSnapshot,
		ApplyFileFilter:  req.ApplyFileFilter,
		EnsureOnly:       req.EnsureOnly,
		SelectiveTesting: req.SelectiveTesting,
	})
	if err != nil {
		return httperr.From(err)
	}

	summaries, err := ctrl.builds.Summarize(ctx, builds)
	if err != nil {
		return httperr.From(err)
	}

	return c.JSON(http.StatusOK, summaries)
}
