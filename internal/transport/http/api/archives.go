package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// ArchiveView is an archive entry with download links for its artifacts.
type ArchiveView struct {
	domain.ArchiveEntry
	OutputURL *string `json:"output_url"`
	LogURL    *string `json:"log_url"`
}

// ListArchives lists terminated runs, newest first.
// GET /api/archives
func (h *Handler) ListArchives(c echo.Context) error {
	entries, err := h.catalog.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}

	base := c.Scheme() + "://" + c.Request().Host
	views := make([]ArchiveView, len(entries))
	for i, entry := range entries {
		views[i] = ArchiveView{ArchiveEntry: entry}
		if entry.OutputPath != nil {
			u := fmt.Sprintf("%s/api/archive/%s/output", base, entry.RunID)
			views[i].OutputURL = &u
		}
		if entry.LogPath != nil {
			u := fmt.Sprintf("%s/api/archive/%s/logs", base, entry.RunID)
			views[i].LogURL = &u
		}
	}

	return c.JSON(http.StatusOK, views)
}

// DownloadOutput serves the output artifact of an archived run.
// GET /api/archive/:run_id/output
func (h *Handler) DownloadOutput(c echo.Context) error {
	entry, err := h.catalog.Get(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	if !artifactExists(entry.OutputPath) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "output not available for this run", "code": CodeNotFound})
	}
	return c.Attachment(*entry.OutputPath, entry.RunID+"_output.csv")
}

// DownloadLogs serves the log artifact of an archived run.
// GET /api/archive/:run_id/logs
func (h *Handler) DownloadLogs(c echo.Context) error {
	entry, err := h.catalog.Get(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	if !artifactExists(entry.LogPath) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "logs not available for this run", "code": CodeNotFound})
	}
	return c.Attachment(*entry.LogPath, filepath.Base(*entry.LogPath))
}

func artifactExists(path *string) bool {
	if path == nil {
		return false
	}
	info, err := os.Stat(*path)
	return err == nil && !info.IsDir()
}
