package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ch0002ic/balanced-corridor-planner/internal/archive"
	"github.com/ch0002ic/balanced-corridor-planner/internal/dataset"
	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/hub"
	"github.com/ch0002ic/balanced-corridor-planner/internal/logbuf"
	"github.com/ch0002ic/balanced-corridor-planner/internal/policy"
	"github.com/ch0002ic/balanced-corridor-planner/internal/reducer"
	"github.com/ch0002ic/balanced-corridor-planner/internal/supervisor"
	"github.com/ch0002ic/balanced-corridor-planner/internal/testutil"
)

const simScript = `#!/bin/sh
echo "planning $(($(wc -l < "$1") - 1)) jobs"
echo '@@SIM {"type":"stats","total":2,"completed":2}'
printf 'job_ID,job_type,assigned_yard_name,end_time\nJ1,DI,Y1,75\n' > "$SIM_OUTPUT"
`

func newTestServer(t *testing.T, maxUpload int64) (*echo.Echo, *supervisor.Supervisor) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "sim.sh")
	require.NoError(t, os.WriteFile(script, []byte(simScript), 0o755))

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	store := testutil.NewTestSQLiteStore(t)
	stager := dataset.NewStager()
	catalog := archive.NewCatalog(store, zerolog.Nop())
	h := hub.New(zerolog.Nop())
	sup := supervisor.New(supervisor.Options{
		Command:       []string{"/bin/sh", script},
		DataDir:       t.TempDir(),
		KnownFeatures: []string{"ga_diversity"},
	}, supervisor.Deps{
		Stager:  stager,
		Logs:    logbuf.New(100),
		Reducer: reducer.New(domain.DefaultTotalUnits, domain.DefaultResourceClasses()),
		Store:   store,
		Archive: catalog,
		Hub:     h,
		Policy:  engine,
		Logger:  zerolog.Nop(),
	})

	e := echo.New()
	NewHandler(sup, stager, catalog, h, maxUpload).RegisterRoutes(e)
	return e, sup
}

func do(e *echo.Echo, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, 0)

	rec := do(e, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["connections"])
	assert.Equal(t, "IDLE", body["run_state"])
}

func TestUploadRejectsRowArityMismatch(t *testing.T) {
	e, _ := newTestServer(t, 0)

	rec := do(e, http.MethodPost, "/api/upload", "text/csv", []byte("a,b\n1,2\n3\n"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, dataset.CodeRowArityMismatch, body["code"])
	assert.Equal(t, float64(1), body["row"])
	assert.Equal(t, float64(2), body["expected"])
	assert.Equal(t, float64(1), body["actual"])
}

func TestUploadRejectsEmptyAndOversized(t *testing.T) {
	e, _ := newTestServer(t, 16)

	rec := do(e, http.MethodPost, "/api/upload", "text/csv", []byte("a,b\n"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, dataset.CodeEmptyRows, decode(t, rec)["code"])

	rec = do(e, http.MethodPost, "/api/upload", "text/csv", []byte(strings.Repeat("x", 17)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodeTooLarge, decode(t, rec)["code"])
}

func TestUploadMultipart(t *testing.T) {
	e, _ := newTestServer(t, 0)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "jobs.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("job_ID,job_type\nJ1,DI\nJ2,LO\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := do(e, http.MethodPost, "/api/upload", w.FormDataContentType(), buf.Bytes())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["rows"])
	assert.Equal(t, []interface{}{"job_ID", "job_type"}, body["headers"])
	assert.True(t, strings.HasPrefix(body["dataset_id"].(string), "ds_"))

	rec = do(e, http.MethodPost, "/api/upload", w.FormDataContentType(), []byte("--"+w.Boundary()+"--\r\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartErrors(t *testing.T) {
	e, _ := newTestServer(t, 0)

	rec := do(e, http.MethodPost, "/api/simulation/start", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNoInput, decode(t, rec)["code"])

	require.Equal(t, http.StatusOK, do(e, http.MethodPost, "/api/upload", "text/csv", []byte("a\n1\n")).Code)
	rec = do(e, http.MethodPost, "/api/simulation/start", echo.MIMEApplicationJSON, []byte(`{"features":["warp_drive"]}`))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodePolicyDenied, decode(t, rec)["code"])

	rec = do(e, http.MethodPost, "/api/simulation/start", echo.MIMEApplicationJSON, []byte(`{"features":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWhenIdle(t *testing.T) {
	e, _ := newTestServer(t, 0)

	rec := do(e, http.MethodPost, "/api/simulation/stop", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeNotRunning, decode(t, rec)["code"])

	rec = do(e, http.MethodPost, "/api/simulation/stop?allow_idle=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode(t, rec)["status"])
}

func TestRunLifecycleAndArchive(t *testing.T) {
	e, sup := newTestServer(t, 0)

	rec := do(e, http.MethodPost, "/api/upload", "text/csv", []byte("job_ID,job_type\nJ1,DI\nJ2,DI\n"))
	require.Equal(t, http.StatusOK, rec.Code)
	datasetID := decode(t, rec)["dataset_id"].(string)

	rec = do(e, http.MethodPost, "/api/simulation/start", echo.MIMEApplicationJSON,
		[]byte(`{"dataset_id":"`+datasetID+`","features":["GA_DIVERSITY"]}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode(t, rec)
	runID := started["run_id"].(string)
	assert.Equal(t, "running", started["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx, runID))

	rec = do(e, http.MethodGet, "/api/simulation/runs/"+runID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", decode(t, rec)["state"])

	rec = do(e, http.MethodGet, "/api/simulation/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "COMPLETED", status["state"])
	assert.Equal(t, float64(2), status["canonical"].(map[string]interface{})["completed"])

	rec = do(e, http.MethodGet, "/api/simulation/logs?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode(t, rec)["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "planning 2 jobs", logs[0].(map[string]interface{})["text"])

	rec = do(e, http.MethodGet, "/api/archives", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, runID, views[0]["run_id"])
	assert.Equal(t, "completed", views[0]["status"])
	assert.Equal(t, "http://example.com/api/archive/"+runID+"/output", views[0]["output_url"])
	assert.NotNil(t, views[0]["log_url"])
	assert.NotNil(t, views[0]["completed_at"])

	rec = do(e, http.MethodGet, "/api/archive/"+runID+"/output", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "J1,DI,Y1,75")
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), runID+"_output.csv")

	rec = do(e, http.MethodGet, "/api/archive/"+runID+"/logs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "planning 2 jobs")

	rec = do(e, http.MethodPost, "/api/simulation/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["canonical"].(map[string]interface{})["completed"])
}

func TestNotFound(t *testing.T) {
	e, _ := newTestServer(t, 0)

	for _, path := range []string{
		"/api/simulation/runs/run_missing",
		"/api/archive/run_missing/output",
		"/api/archive/run_missing/logs",
	} {
		rec := do(e, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := do(e, http.MethodGet, "/api/simulation/logs?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
