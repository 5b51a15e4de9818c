package apiclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSendsCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload", r.URL.Path)
		assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "a,b\n1,2\n", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dataset_id":"ds_1","size":8,"rows":1,"headers":["a","b"]}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL+"/", zerolog.Nop()).Upload(context.Background(), strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "ds_1", res.DatasetID)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, []string{"a", "b"}, res.Headers)
}

func TestRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","connections":2,"run_state":"RUNNING"}`))
	}))
	defer srv.Close()

	health, err := New(srv.URL, zerolog.Nop()).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, health.Connections)
	assert.Equal(t, "RUNNING", string(health.RunState))
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"exec: not found","code":"spawn_failed","run_id":"run_1","status":"failed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, zerolog.Nop()).Start(context.Background(), "", []string{"ga_diversity"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "spawn_failed", apiErr.Code)
	assert.Equal(t, "exec: not found", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConflictDecodesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("allow_idle"))
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"no simulation running","code":"not_running"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, zerolog.Nop()).Stop(context.Background(), "", true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_running", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "HTTP 409")
}

func TestLogsAndDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/simulation/logs":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"logs":[{"seq":4,"stream":"stderr","text":"late","ts":"2026-01-02T03:04:05Z"}]}`))
		case "/api/archive/run_1/output":
			_, _ = w.Write([]byte("job_ID,end_time\nJ1,9\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("missing"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, zerolog.Nop())

	lines, err := c.Logs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR: late", lines[0].Display())

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "run_1", "output", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Contains(t, buf.String(), "J1,9")

	_, err = c.Download(context.Background(), "run_2", "logs", &buf)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "missing", apiErr.Message)
}
