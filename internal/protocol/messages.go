// Package protocol defines the live telemetry messages exchanged with observers.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Message types from server to observer
const (
	TypeState              = "state"
	TypeStats              = "stats"
	TypeComplete           = "complete"
	TypeError              = "error"
	TypeRunState           = "run_state"
	TypeLog                = "log"
	TypePong               = "pong"
	TypeChannelUnavailable = "channel_unavailable"
)

// Message types from observer to server
const (
	TypePing = "ping"
)

// Envelope wraps every message on the channel.
type Envelope struct {
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatePayload is the authoritative resync sent on every (re)connect.
type StatePayload struct {
	State     domain.RunState       `json:"state"`
	Run       *domain.RunRecord     `json:"run,omitempty"`
	Canonical domain.CanonicalState `json:"canonical"`
}

// StatsPayload carries the reduced state after a progress event.
type StatsPayload struct {
	Canonical domain.CanonicalState   `json:"canonical"`
	Snapshot  domain.ProgressSnapshot `json:"snapshot"`
}

// RunStatePayload announces a lifecycle transition.
type RunStatePayload struct {
	Run       *domain.RunRecord     `json:"run"`
	Canonical domain.CanonicalState `json:"canonical"`
}

// ErrorPayload describes a failure reported by the run or the server.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChannelUnavailablePayload is delivered locally when reconnection gives up.
type ChannelUnavailablePayload struct {
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// Error codes
const (
	ErrorCodeSimulation   = "simulation_error"
	ErrorCodeProcessExit  = "process_exit"
	ErrorCodeInvalidFrame = "invalid_message"
	ErrorCodeInternal     = "internal_error"
)

// New builds an envelope stamped with the current time. A nil data is omitted.
func New(msgType, runID string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Ts: time.Now().UnixMilli(), RunID: runID}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Must is New for payloads that always marshal.
func Must(msgType, runID string, data any) Envelope {
	env, err := New(msgType, runID, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
