// Package interfaces holds the contracts shared across the transport,
// directory, session and peer layers. Implementations live in internal
// packages; tests substitute fakes.
package interfaces

import "archipel/pkg/types"

// Conn is a duplex, ordered, message-oriented connection. Inbound envelopes
// are delivered one at a time, in send order, to the currently attached
// Observer; Reattach atomically redirects future deliveries.
type Conn interface {
	// Send enqueues an envelope for asynchronous delivery. It never blocks
	// beyond the bounded outbound buffer.
	Send(env *types.Envelope) error

	// IsOpen reports transport liveness.
	IsOpen() bool

	// Reattach redirects future inbound deliveries to a new observer.
	Reattach(obs Observer)

	// Bind associates a registered identity with the connection.
	Bind(id types.Identity)

	// Identity returns the bound identity, zero if unregistered.
	Identity() types.Identity

	// Close tears down the transport. The current observer's OnDisconnect
	// fires exactly once, whether closure was local or remote.
	Close() error
}

// Observer consumes a connection's inbound traffic.
type Observer interface {
	OnMessage(conn Conn, env *types.Envelope)
	OnDisconnect(conn Conn)
}

// RuleEngine is the turn-based rule collaborator consumed by sessions and by
// peer mirrors. Every apply either validates and mutates atomically or
// returns a rejection error with a human-readable reason; the session layer
// treats all apply errors uniformly as domain rejections.
type RuleEngine interface {
	ApplyCard(player types.Identity, cardIndex int) error
	ApplyStudentToHall(player types.Identity, studentIndex int) error
	ApplyStudentToIsland(player types.Identity, studentIndex, islandIndex int) error
	ApplyMarkerMove(player types.Identity, steps int) error
	ApplyResourceChoice(player types.Identity, resourceIndex int) error
	ApplySpecialEffect(player types.Identity, effectIndex int, effectArgs []int) error

	// SkipCurrentTurn abandons the current mover's remaining phases and
	// advances turn order.
	SkipCurrentTurn() error

	// CurrentMover returns the participant whose turn it is.
	CurrentMover() types.Identity

	// Winner returns the winning participant once the game has ended.
	Winner() (types.Identity, bool)

	// Snapshot returns an opaque serialized copy of the full game state.
	Snapshot() ([]byte, error)

	// RevertTo replaces the game state with a previous Snapshot.
	RevertTo(snapshot []byte) error
}

// EngineFactory builds rule engines: fresh games from a seat order, and
// restored games from a snapshot (used by peers on gameStarted and resync).
type EngineFactory interface {
	New(players []types.Identity, expertMode bool) (RuleEngine, error)
	Restore(snapshot []byte) (RuleEngine, error)
}
