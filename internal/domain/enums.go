// Package domain defines the core domain models for the simulation orchestrator.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStateIdle      RunState = "IDLE"
	RunStateStarting  RunState = "STARTING"
	RunStateRunning   RunState = "RUNNING"
	RunStateStopping  RunState = "STOPPING"
	RunStateStopped   RunState = "STOPPED"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateStopped, RunStateCompleted, RunStateFailed:
		return true
	}
	return false
}

// IsActive reports whether the run still owns (or is about to own) a process.
func (s RunState) IsActive() bool {
	switch s {
	case RunStateStarting, RunStateRunning, RunStateStopping:
		return true
	}
	return false
}

// StatusLabel is the lower-case label shown for archived runs.
func (s RunState) StatusLabel() string {
	switch s {
	case RunStateCompleted:
		return "completed"
	case RunStateFailed:
		return "failed"
	case RunStateStopped:
		return "stopped"
	case RunStateStarting, RunStateRunning:
		return "running"
	case RunStateStopping:
		return "stopping"
	}
	return "idle"
}

// EventKind is the kind of a structured event decoded from process output.
type EventKind string

const (
	EventKindStats    EventKind = "stats"
	EventKindComplete EventKind = "complete"
	EventKindError    EventKind = "error"
)

// Stream identifies which output stream a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)
