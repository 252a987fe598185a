package entity

import "errors"

// Runner errors — surfaced by the agent execution loop.
var (
	ErrCancelled     = errors.New("run cancelled")
	ErrMaxIterations = errors.New("max iterations reached")
	ErrTimedOut      = errors.New("run timed out")
	ErrLoopDetected  = errors.New("loop detected")
	ErrModel         = errors.New("model call failed")
	ErrToolTimeout   = errors.New("tool execution timed out")
	ErrInternal      = errors.New("internal runner error")
)
