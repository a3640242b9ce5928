package event

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/api/rest/httperr"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	e := echo.New()
	buildID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/events?build_id="+buildID.String()+"&types=build_created,+jobstep_allocated", nil)
	filter, err := parseFilter(e.NewContext(req, httptest.NewRecorder()))
	require.NoError(t, err)
	require.Equal(t, buildID, filter.BuildID)
	require.Equal(t, uuid.Nil, filter.JobID)
	require.Equal(t, []event.Type{event.TypeBuildCreated, event.TypeJobStepAllocated}, filter.Types)

	req = httptest.NewRequest(http.MethodGet, "/events?job_id=nope", nil)
	_, err = parseFilter(e.NewContext(req, httptest.NewRecorder()))

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.Code)
	require.Equal(t, []string{"job_id"}, httpErr.Message.(httperr.Body).Problems)
}

func TestStreamDeliversMatchingEvents(t *testing.T) {
	bus := event.NewBus()
	e := echo.New()
	e.GET("/events", New(bus).Stream)

	server := httptest.NewServer(e)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buildID := uuid.New()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events?build_id="+buildID.String(), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	require.Equal(t, ": ping", lines.Text())

	bus.Publish(event.New(event.TypeBuildCreated, uuid.New(), uuid.Nil, uuid.Nil, nil))
	bus.Publish(event.New(event.TypeBuildFinished, buildID, uuid.Nil, uuid.Nil, map[string]string{"result": "passed"}))

	var name, data string
	for lines.Scan() {
		line := lines.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}

	require.Equal(t, string(event.TypeBuildFinished), name)

	var got event.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	require.Equal(t, buildID, got.BuildID)
	require.JSONEq(t, `{"result":"passed"}`, string(got.Payload))
}
