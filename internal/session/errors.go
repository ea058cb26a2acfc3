package session

import "errors"

var (
	ErrSessionFull      = errors.New("session is full")
	ErrSessionLive      = errors.New("session already has a running game")
	ErrAlreadyEnrolled  = errors.New("participant already enrolled")
	ErrSessionDissolved = errors.New("session has dissolved")
	ErrNotAMove         = errors.New("message is not a move")
)
