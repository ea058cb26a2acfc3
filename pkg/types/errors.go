package types

import "errors"

var (
	ErrInvalidDisplayName = errors.New("display name must be 1-32 printable characters without surrounding spaces")
	ErrInvalidCapacity    = errors.New("session capacity must be 2 or 3")
	ErrMissingKind        = errors.New("message has no kind")
)
