package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// ErrTooLarge is returned when the input exceeds the configured size limit.
var ErrTooLarge = errors.New("dataset exceeds size limit")

// Parse reads CSV content. Rows may have any field count so that Validate
// can report arity problems precisely; blank lines are skipped and cells trimmed.
// A limit <= 0 disables the size check.
func Parse(r io.Reader, limit int64) (*domain.Dataset, error) {
	var buf bytes.Buffer
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(&buf, src)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	if limit > 0 && n > limit {
		return nil, ErrTooLarge
	}

	reader := csv.NewReader(bytes.NewReader(buf.Bytes()))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	ds := &domain.Dataset{
		ID:         "ds_" + uuid.New().String()[:8],
		Size:       n,
		UploadedAt: time.Now(),
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse dataset: %w", err)
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if ds.Headers == nil {
			ds.Headers = record
			continue
		}
		ds.Rows = append(ds.Rows, record)
	}
	return ds, nil
}

// WriteCSV writes the dataset to path, creating parent directories.
func WriteCSV(path string, ds *domain.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(ds.Headers); err != nil {
		f.Close()
		return fmt.Errorf("write dataset: %w", err)
	}
	if err := w.WriteAll(ds.Rows); err != nil {
		f.Close()
		return fmt.Errorf("write dataset: %w", err)
	}
	return f.Close()
}
