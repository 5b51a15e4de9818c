package domain

import "time"

// RunRecord represents a single execution of the external simulation.
type RunRecord struct {
	RunID     string       `json:"run_id"`
	State     RunState     `json:"state"`
	DatasetID string       `json:"dataset_id,omitempty"`
	Features  []string     `json:"features,omitempty"`
	RunDir    string       `json:"run_dir,omitempty"`
	PID       int          `json:"pid,omitempty"` // 0 once the process handle is released
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Exit      *ExitOutcome `json:"exit,omitempty"`
}

// ExitOutcome captures how the external process ended.
type ExitOutcome struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the supervisor.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Features != nil {
		c.Features = append([]string(nil), r.Features...)
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Exit != nil {
		e := *r.Exit
		c.Exit = &e
	}
	return &c
}

// LogLine is one raw line of process output.
type LogLine struct {
	Seq    uint64    `json:"seq"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"ts"`

	// Truncated is the number of bytes dropped from an overlong line.
	Truncated int `json:"truncated,omitempty"`
}

// Display renders the line the way the log view shows it.
func (l LogLine) Display() string {
	if l.Stream == StreamStderr {
		return "ERROR: " + l.Text
	}
	return l.Text
}
