// Package httperr translates core errors into echo HTTP errors.
package httperr

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/labstack/echo/v4"
)

// Body is the JSON shape of every error response.
type Body struct {
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

// From maps err onto a status code. Unclassified errors become a 500 and
// are logged.
func From(err error) error {
	var (
		invalid  *problem.ValidationError
		notFound *problem.NotFoundError
		vcsErr   *problem.VCSError
	)

	switch {
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusBadRequest, Body{Message: invalid.Error(), Problems: invalid.Problems})
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, Body{Message: notFound.Error()})
	case errors.As(err, &vcsErr) && !vcsErr.Transient:
		body := Body{Message: vcsErr.Error()}
		if vcsErr.Field != "" {
			body.Problems = []string{vcsErr.Field}
		}
		return echo.NewHTTPError(http.StatusBadRequest, body)
	case errors.As(err, &vcsErr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, Body{Message: vcsErr.Error()})
	default:
		log.Error("request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// BadRequest reports a malformed request body or parameter.
func BadRequest(field string, err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, Body{Message: err.Error(), Problems: []string{field}}).SetInternal(err)
}
