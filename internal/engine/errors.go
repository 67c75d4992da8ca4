package engine

import "errors"

// Common typed errors returned by engine operations.
var (
	ErrNotRunning   = errors.New("task not running")
	ErrNotPaused    = errors.New("task not paused")
	ErrNotTakenOver = errors.New("task not in takeover mode")
	ErrNoEligible   = errors.New("no eligible step")
)
