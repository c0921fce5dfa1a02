// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxTokenLen = 64

var (
	ErrTokenTooLong = errors.New("participant token too long")
	ErrTokenEmpty   = errors.New("participant token empty")
)

// ParticipantToken is the opaque identity supplied by the caller.
// Identity verification happens before it reaches us.
type ParticipantToken string

// NewAnonymousToken mints a token for callers that did not bring one.
func NewAnonymousToken() ParticipantToken {
	return ParticipantToken(uuid.NewString())
}

func ValidateToken(t ParticipantToken) error {
	if len(t) == 0 {
		return ErrTokenEmpty
	}
	if len(t) > MaxTokenLen {
		return ErrTokenTooLong
	}
	return nil
}
