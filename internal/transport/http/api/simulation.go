package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ch0002ic/balanced-corridor-planner/internal/supervisor"
)

// StopRequest optionally names the run to stop.
type StopRequest struct {
	RunID string `json:"run_id,omitempty"`
}

// StartSimulation launches a run on the staged dataset.
// POST /api/simulation/start
func (h *Handler) StartSimulation(c echo.Context) error {
	ctx := c.Request().Context()

	var req supervisor.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": CodeBadRequest})
	}

	record, err := h.supervisor.Start(ctx, req)
	if err != nil {
		if record != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":  err.Error(),
				"code":   CodeSpawnFailed,
				"run_id": record.RunID,
				"status": record.State.StatusLabel(),
			})
		}
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"run_id": record.RunID,
		"status": record.State.StatusLabel(),
	})
}

// StopSimulation signals the active run. Completion is reported through
// the live channel and the status endpoint.
// POST /api/simulation/stop
func (h *Handler) StopSimulation(c echo.Context) error {
	ctx := c.Request().Context()

	var req StopRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": CodeBadRequest})
	}
	allowIdle, _ := strconv.ParseBool(c.QueryParam("allow_idle"))

	record, err := h.supervisor.Stop(ctx, req.RunID, supervisor.StopOptions{AllowIdle: allowIdle})
	if err != nil {
		return respondError(c, err)
	}
	if record == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"run_id": nil, "status": "idle"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"run_id": record.RunID,
		"status": record.State.StatusLabel(),
	})
}

// ResetSimulation restores the progress defaults and clears the log view.
// POST /api/simulation/reset
func (h *Handler) ResetSimulation(c echo.Context) error {
	if err := h.supervisor.Reset(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, h.supervisor.Current())
}

// GetStatus returns the latest run and the reduced progress.
// GET /api/simulation/status
func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.supervisor.Current())
}

// GetRun returns one run record, live or persisted.
// GET /api/simulation/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	record, err := h.supervisor.Status(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// GetLogs returns the most recent output lines.
// GET /api/simulation/logs?limit=N
func (h *Handler) GetLogs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer", "code": CodeBadRequest})
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"logs": h.supervisor.Logs(limit),
	})
}
