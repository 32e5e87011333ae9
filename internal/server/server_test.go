package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridci/internal/app"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/loader"
	"github.com/vk/gridci/internal/run"
)

func newTestServer(t *testing.T, pipelineSrc string) *httptest.Server {
	t.Helper()

	pipeline, err := loader.Parse([]byte(pipelineSrc), "test.hcl")
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "error"

	a, err := app.New(io.Discard, cfg, pipeline)
	require.NoError(t, err)

	ts := httptest.NewServer(New(a, "").Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// waitForResult polls the report endpoint until the run settles.
func waitForResult(t *testing.T, ts *httptest.Server, id string) run.Report {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/runs/%s", ts.URL, id))
		require.NoError(t, err)
		report := decode[run.Report](t, resp)
		if report.Result != "" {
			return report
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not settle in time")
	return run.Report{}
}

const quickPipeline = `
pipeline "quick" {
  job "build" {
    step "s" { run = "true" }
  }
}
`

func TestTriggerAndReport(t *testing.T) {
	ts := newTestServer(t, quickPipeline)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]string{"event": "push", "ref": "main"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[map[string]string](t, resp)
	require.NotEmpty(t, accepted["run_id"])

	report := waitForResult(t, ts, accepted["run_id"])
	assert.Equal(t, run.ResultSucceeded, report.Result)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, run.StatusSucceeded, report.Jobs[0].Status)
}

func TestTrigger_InvalidKindRejected(t *testing.T) {
	ts := newTestServer(t, quickPipeline)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]string{"event": "cron", "ref": "main"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReport_UnknownRun(t *testing.T) {
	ts := newTestServer(t, quickPipeline)

	resp, err := http.Get(ts.URL + "/api/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, `
pipeline "slow" {
  job "wait" {
    step "sleep" { run = "sleep 10" }
  }
}
`)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]string{"event": "manual", "ref": "main"})
	accepted := decode[map[string]string](t, resp)
	id := accepted["run_id"]

	// Give the job a moment to start, then cancel.
	time.Sleep(200 * time.Millisecond)
	cancelResp := postJSON(t, ts.URL+fmt.Sprintf("/api/runs/%s/cancel", id), nil)
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	cancelResp.Body.Close()

	report := waitForResult(t, ts, id)
	assert.Equal(t, run.ResultCancelled, report.Result)
	assert.Equal(t, run.StatusCancelled, report.Jobs[0].Status)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, quickPipeline)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
