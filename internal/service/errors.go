package service

import (
	"fmt"

	"voice-sync/internal/domain"
)

// SessionError records the phase a session failed in. The taxonomy marks
// of Err stay visible to errors.Is.
type SessionError struct {
	PeerID string
	Phase  domain.SessionState
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("sync with %s failed during %s: %v", e.PeerID, e.Phase, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
