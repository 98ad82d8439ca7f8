package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gridbot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesScrapeEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(0, logging.NopLogger{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSchedulerDebugReportsPoolStats(t *testing.T) {
	stats := func() map[string]interface{} {
		return map[string]interface{}{"running_workers": 2, "waiting_tasks": 5}
	}
	srv := httptest.NewServer(NewServer(0, logging.NopLogger{}, stats).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/scheduler")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Pool map[string]float64 `json:"pool"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body.Pool["running_workers"])
	assert.Equal(t, float64(5), body.Pool["waiting_tasks"])
}

func TestSchedulerDebugWithoutScheduler(t *testing.T) {
	srv := httptest.NewServer(NewServer(0, logging.NopLogger{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/scheduler")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["scheduler"], "not running")
}
