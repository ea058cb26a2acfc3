package peer

import "errors"

var (
	ErrNotConnected  = errors.New("peer is not connected")
	ErrNotRegistered = errors.New("peer is not registered")
	ErrMoveInFlight  = errors.New("a submitted move is still awaiting acknowledgment")
	ErrNoDisplayName = errors.New("no display name given and no recovery record available")
)
