// Package codec extracts structured progress events from free-form process output.
//
// A line carries an event when it contains the marker prefix followed by a
// single-line JSON object. Anything before the marker is ordinary log text;
// lines without a marker are opaque.
package codec

import (
	"encoding/json"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// DefaultMarker prefixes every structured line written by the simulator.
const DefaultMarker = "@@SIM "

// payload is the on-wire event object. Flat keys are the runner's legacy names.
type payload struct {
	Type      string                            `json:"type"`
	Total     *int                              `json:"total"`
	Completed *int                              `json:"completed"`
	Elapsed   *float64                          `json:"elapsed"`
	Resources map[string]domain.OccupancyUpdate `json:"resources"`
	Message   string                            `json:"message"`

	CompletedJobs *int     `json:"completedJobs"`
	RemainingJobs *int     `json:"remainingJobs"`
	CurrentTime   *float64 `json:"currentTime"`
	ActiveQC      *int     `json:"activeQC"`
	IdleQC        *int     `json:"idleQC"`
	MovingHT      *int     `json:"movingHT"`
	NonMovingHT   *int     `json:"nonMovingHT"`
	ActiveYard    *int     `json:"activeYard"`
	IdleYard      *int     `json:"idleYard"`
}

// Decoder turns marked lines into events. Use one Decoder per run.
type Decoder struct {
	marker    string
	malformed atomic.Int64
}

// NewDecoder returns a decoder for the given marker, or DefaultMarker when empty.
func NewDecoder(marker string) *Decoder {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Decoder{marker: marker}
}

// Marker returns the prefix this decoder looks for.
func (d *Decoder) Marker() string {
	return d.marker
}

// Split separates the log text preceding a marker from the marked payload.
// ok is false when the line has no marker.
func (d *Decoder) Split(line string) (text, raw string, ok bool) {
	idx := strings.Index(line, d.marker)
	if idx < 0 {
		return line, "", false
	}
	return line[:idx], line[idx+len(d.marker):], true
}

// Decode parses one line. Unmarked lines and malformed payloads yield false;
// the latter are counted.
func (d *Decoder) Decode(line string) (domain.Event, bool) {
	_, raw, ok := d.Split(line)
	if !ok {
		return domain.Event{}, false
	}
	ev, err := parsePayload(strings.TrimSpace(raw))
	if err != nil {
		d.malformed.Add(1)
		return domain.Event{}, false
	}
	return ev, true
}

// Events lazily decodes a line sequence, skipping lines that carry no event.
func (d *Decoder) Events(lines iter.Seq[string]) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		for line := range lines {
			ev, ok := d.Decode(line)
			if !ok {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Malformed returns how many marked lines failed to parse.
func (d *Decoder) Malformed() int64 {
	return d.malformed.Load()
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

func parsePayload(raw string) (domain.Event, error) {
	if raw == "" || raw[0] != '{' {
		return domain.Event{}, decodeError("payload is not a JSON object")
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Event{}, err
	}

	kind := domain.EventKind(strings.ToLower(p.Type))
	switch kind {
	case "":
		kind = domain.EventKindStats
	case domain.EventKindStats, domain.EventKindComplete, domain.EventKindError:
	default:
		return domain.Event{}, decodeError("unknown event type " + p.Type)
	}

	snap := domain.ProgressSnapshot{
		Total:     p.Total,
		Completed: p.Completed,
		Elapsed:   p.Elapsed,
	}
	if snap.Completed == nil {
		snap.Completed = p.CompletedJobs
	}
	if snap.Elapsed == nil {
		snap.Elapsed = p.CurrentTime
	}
	if snap.Total == nil && snap.Completed != nil && p.RemainingJobs != nil {
		total := *snap.Completed + *p.RemainingJobs
		snap.Total = &total
	}
	if hasNegative(snap.Total, snap.Completed) || (snap.Elapsed != nil && *snap.Elapsed < 0) {
		return domain.Event{}, decodeError("negative progress value")
	}

	resources := make(map[string]domain.OccupancyUpdate, len(p.Resources)+3)
	for name, occ := range p.Resources {
		if hasNegative(occ.Active, occ.Idle) {
			return domain.Event{}, decodeError("negative occupancy for " + name)
		}
		resources[name] = occ
	}
	legacy := []struct {
		class        string
		active, idle *int
	}{
		{domain.ResourceQuayCrane, p.ActiveQC, p.IdleQC},
		{domain.ResourceHorizontalTransport, p.MovingHT, p.NonMovingHT},
		{domain.ResourceYardCrane, p.ActiveYard, p.IdleYard},
	}
	for _, l := range legacy {
		if l.active == nil && l.idle == nil {
			continue
		}
		if _, seen := resources[l.class]; seen {
			continue
		}
		if hasNegative(l.active, l.idle) {
			return domain.Event{}, decodeError("negative occupancy for " + l.class)
		}
		resources[l.class] = domain.OccupancyUpdate{Active: l.active, Idle: l.idle}
	}
	if len(resources) > 0 {
		snap.Resources = resources
	}

	return domain.Event{Kind: kind, Snapshot: snap, Message: p.Message}, nil
}

func hasNegative(vals ...*int) bool {
	for _, v := range vals {
		if v != nil && *v < 0 {
			return true
		}
	}
	return false
}
