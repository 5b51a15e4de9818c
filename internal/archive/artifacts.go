package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Artifact file names inside a run directory.
const (
	OutputFile = "output.csv"
	InputFile  = "input.csv"
	LogsDir    = "logs"
	LogFile    = "simulation.log"
)

// Artifacts fills the output/log paths of entry from what exists in runDir,
// and computes output metrics when the output is readable.
func Artifacts(entry *domain.ArchiveEntry, runDir string) {
	output := filepath.Join(runDir, OutputFile)
	if fileExists(output) {
		entry.OutputPath = &output
		if m, err := ComputeMetrics(output); err == nil {
			entry.Metrics = m
		}
	}
	if log := latestLog(filepath.Join(runDir, LogsDir)); log != "" {
		entry.LogPath = &log
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func latestLog(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	var latest string
	var latestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = m, mod
		}
	}
	return latest
}

// ComputeMetrics reads a simulator output CSV: the latest end_time, and the
// largest number of DI jobs assigned to a single yard.
func ComputeMetrics(path string) (*domain.OutputMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return &domain.OutputMetrics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	endIdx, ok := col["end_time"]
	if !ok {
		return nil, errors.New("output has no end_time column")
	}
	typeIdx, hasType := col["job_type"]
	yardIdx, hasYard := col["assigned_yard_name"]
	idIdx, hasID := col["job_ID"]

	metrics := &domain.OutputMetrics{}
	perYard := map[string]int{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read output: %w", err)
		}
		if endIdx < len(rec) {
			if end, err := strconv.ParseFloat(strings.TrimSpace(rec[endIdx]), 64); err == nil && int(end) > metrics.LatestFinishSeconds {
				metrics.LatestFinishSeconds = int(end)
			}
		}
		if !hasType || !hasYard || typeIdx >= len(rec) || yardIdx >= len(rec) {
			continue
		}
		if strings.TrimSpace(rec[typeIdx]) != "DI" {
			continue
		}
		if hasID && (idIdx >= len(rec) || strings.TrimSpace(rec[idIdx]) == "") {
			continue
		}
		yard := strings.TrimSpace(rec[yardIdx])
		perYard[yard]++
		metrics.MaxDIJobs = max(metrics.MaxDIJobs, perYard[yard])
	}
	return metrics, nil
}
