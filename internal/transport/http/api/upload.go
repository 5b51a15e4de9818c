package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ch0002ic/balanced-corridor-planner/internal/dataset"
)

// multipartOverhead leaves room for the form framing around the file part.
const multipartOverhead = 64 * 1024

// Upload parses, validates and stages a CSV dataset, superseding any staged one.
// POST /api/upload
func (h *Handler) Upload(c echo.Context) error {
	req := c.Request()

	var body io.Reader = req.Body
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if h.maxUploadBytes > 0 {
			req.Body = http.MaxBytesReader(c.Response(), req.Body, h.maxUploadBytes+multipartOverhead)
		}
		fh, err := c.FormFile("file")
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required", "code": CodeBadRequest})
		}
		f, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to open uploaded file", "code": CodeBadRequest})
		}
		defer f.Close()
		body = f
	}

	ds, err := dataset.Parse(body, h.maxUploadBytes)
	if err != nil {
		if errors.Is(err, dataset.ErrTooLarge) {
			return respondError(c, err)
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error(), "code": CodeInvalidCSV})
	}
	if err := h.stager.Stage(ds); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"dataset_id": ds.ID,
		"size":       ds.Size,
		"rows":       len(ds.Rows),
		"headers":    ds.Headers,
	})
}
