package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ch0002ic/balanced-corridor-planner/internal/apiclient"
	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

var (
	green  = lipgloss.AdaptiveColor{Light: "#02BA84", Dark: "#02BF87"}
	indigo = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	amber  = lipgloss.AdaptiveColor{Light: "#C77800", Dark: "#F5A623"}
	red    = lipgloss.AdaptiveColor{Light: "#D0342C", Dark: "#FF5F56"}
	grey   = lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"}

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(indigo)
	keyStyle   = lipgloss.NewStyle().Foreground(grey).Width(12)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(green)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(amber)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(red)
	dimStyle   = lipgloss.NewStyle().Foreground(grey)
)

// stateLabel colours a run state or archive status label.
func stateLabel(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "completed":
		return okStyle.Render(state)
	case "running", "starting", "stopping":
		return warnStyle.Render(state)
	case "failed":
		return errorStyle.Render(state)
	}
	return dimStyle.Render(state)
}

func field(b *strings.Builder, key, value string) {
	b.WriteString(keyStyle.Render(key))
	b.WriteString(value)
	b.WriteString("\n")
}

func renderRun(rec *domain.RunRecord) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Run "+rec.RunID) + "\n")
	field(&b, "state", stateLabel(string(rec.State)))
	if rec.DatasetID != "" {
		field(&b, "dataset", rec.DatasetID)
	}
	features := "baseline"
	if len(rec.Features) > 0 {
		features = strings.Join(rec.Features, ", ")
	}
	field(&b, "features", features)
	if rec.PID != 0 {
		field(&b, "pid", fmt.Sprint(rec.PID))
	}
	field(&b, "started", humanize.Time(rec.StartedAt))
	if rec.EndedAt != nil {
		field(&b, "duration", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond).String())
	}
	if rec.Exit != nil {
		exit := fmt.Sprintf("code %d", rec.Exit.Code)
		if rec.Exit.Signal != "" {
			exit += ", " + rec.Exit.Signal
		}
		field(&b, "exit", exit)
	}
	return b.String()
}

func renderStatus(st *apiclient.Status) string {
	var b strings.Builder
	if st.Run != nil {
		b.WriteString(renderRun(st.Run))
	} else {
		b.WriteString(titleStyle.Render("No run yet") + "\n")
	}
	b.WriteString(renderProgress(st.Canonical))
	return b.String()
}

func renderProgress(c domain.CanonicalState) string {
	var b strings.Builder
	pct := 0.0
	if c.Total > 0 {
		pct = float64(c.Completed) * 100 / float64(c.Total)
	}
	field(&b, "progress", fmt.Sprintf("%s / %s jobs (%.1f%%)",
		humanize.Comma(int64(c.Completed)), humanize.Comma(int64(c.Total)), pct))
	field(&b, "sim time", formatSimTime(c.Elapsed))
	for _, name := range slices.Sorted(maps.Keys(c.Resources)) {
		o := c.Resources[name]
		field(&b, name, fmt.Sprintf("%d active, %d idle of %d", o.Active, o.Idle, o.Capacity))
	}
	if len(c.Resources) > 0 {
		field(&b, "utilization", fmt.Sprintf("%d%%", c.Utilization()))
	}
	return b.String()
}

// formatSimTime renders simulated seconds as a duration.
func formatSimTime(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}

func renderLogLine(line domain.LogLine) string {
	ts := dimStyle.Render(line.Time.Local().Format("15:04:05"))
	if line.Stream == domain.StreamStderr {
		return ts + " " + errorStyle.Render(line.Display())
	}
	return ts + " " + line.Display()
}

func renderArchives(entries []apiclient.Archive) string {
	if len(entries) == 0 {
		return dimStyle.Render("no archived runs") + "\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-14s %-10s %-16s %-14s %-8s %s", "RUN", "STATUS", "ENDED", "LATEST FINISH", "MAX DI", "ARTIFACTS")
	b.WriteString(titleStyle.Render(header) + "\n")
	for _, e := range entries {
		latest, maxDI := "-", "-"
		if e.Metrics != nil {
			latest = formatSimTime(float64(e.Metrics.LatestFinishSeconds))
			maxDI = fmt.Sprint(e.Metrics.MaxDIJobs)
		}
		var artifacts []string
		if e.OutputURL != nil {
			artifacts = append(artifacts, "output")
		}
		if e.LogURL != nil {
			artifacts = append(artifacts, "logs")
		}
		status := fmt.Sprintf("%-10s", e.Status)
		fmt.Fprintf(&b, "%-14s %s %-16s %-14s %-8s %s\n",
			e.RunID, stateLabel(status), humanize.Time(e.EndedAt), latest, maxDI, strings.Join(artifacts, ","))
	}
	return b.String()
}
