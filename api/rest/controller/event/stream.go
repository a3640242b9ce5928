// Package event streams lifecycle events over server-sent events.
package event

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const keepAlive = 15 * time.Second

type Controller struct {
	bus event.Bus
}

func New(bus event.Bus) *Controller {
	return &Controller{bus: bus}
}

// Stream writes matching events until the client goes away. Filters:
// build_id, job_id and a comma separated types list.
func (ctrl *Controller) Stream(c echo.Context) error {
	ctx := c.Request().Context()

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}

	ch, err := ctrl.bus.Subscribe(ctx, filter)
	if err != nil {
		return httperr.From(err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case e, ok := <-ch:
			if !ok {
				return nil
			}

			data, err := json.Marshal(e)
			if err != nil {
				log.Warn("failed to marshal event", "type", e.Type, "error", err)
				continue
			}

			if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

func parseFilter(c echo.Context) (event.Filter, error) {
	filter := event.Filter{}

	for param, dst := range map[string]*uuid.UUID{
		"build_id": &filter.BuildID,
		"job_id":   &filter.JobID,
	} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, httperr.BadRequest(param, err)
		}
		*dst = id
	}

	if types := c.QueryParam("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, event.Type(strings.TrimSpace(t)))
		}
	}

	return filter, nil
}
