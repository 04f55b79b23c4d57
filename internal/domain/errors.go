package domain

import "errors"

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrExecutionFailed    = errors.New("execution failed")
	ErrInvariantViolation = errors.New("position invariant violated")
	ErrPositionHalted     = errors.New("position halted")
	ErrZeroStopDistance   = errors.New("entry price equals stop price")
	ErrEmergencyStop      = errors.New("emergency stop active")
	ErrNotFound           = errors.New("not found")
)
