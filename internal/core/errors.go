package core

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrConfigConflict     = errors.New("session already running with a different config")
	ErrUnknownSymbol      = errors.New("unknown reaction symbol")
	ErrSlideOutOfRange    = errors.New("slide out of range")
	ErrForbidden          = errors.New("forbidden for role")
	ErrNotConnected       = errors.New("participant has no live connection")
	ErrConnectionFailure  = errors.New("connection failure")
	ErrBackpressure       = errors.New("backpressure")
	ErrInvalidQuestion    = errors.New("question text empty or too long")
	ErrQuestionNotFound   = errors.New("question not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
