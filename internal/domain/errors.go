package domain

import "errors"

var (
	ErrAlreadyRunning = errors.New("simulation already running")
	ErrNoInput        = errors.New("no validated dataset staged")
	ErrNotRunning     = errors.New("no simulation running")
	ErrRunNotFound    = errors.New("run not found")
	ErrPolicyDenied   = errors.New("launch denied by policy")
)
