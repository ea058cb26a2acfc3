// Package roster holds the participant record shared between the directory,
// which owns it, and sessions, which read the fields relevant to their own
// membership. It also provides the cancellable recovery timer used for
// eviction and autoplay scheduling.
package roster

import (
	"sync"

	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// Participant is the directory-owned record for one registered participant.
// Identity and DisplayName are fixed at registration. The channel and session
// membership are mutated by the directory while sessions concurrently read
// them during broadcasts, so those two fields are guarded by the record's own
// lock rather than by either component's.
type Participant struct {
	Identity    types.Identity
	DisplayName string

	mu        sync.Mutex
	conn      interfaces.Conn
	sessionID types.SessionID
}

// NewParticipant builds the record for a freshly registered participant.
func NewParticipant(id types.Identity, name string, conn interfaces.Conn) *Participant {
	return &Participant{Identity: id, DisplayName: name, conn: conn}
}

// Conn returns the current channel, nil while disconnected.
func (p *Participant) Conn() interfaces.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SetConn attaches or detaches the channel.
func (p *Participant) SetConn(conn interfaces.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

// Session returns the enrolled session, zero while not enrolled.
func (p *Participant) Session() types.SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// SetSession records or clears session membership.
func (p *Participant) SetSession(id types.SessionID) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

// Info returns the wire-visible slice of the record.
func (p *Participant) Info() types.ParticipantInfo {
	return types.ParticipantInfo{Identity: p.Identity, DisplayName: p.DisplayName}
}

// Connected reports whether the participant currently has a live channel.
func (p *Participant) Connected() bool {
	conn := p.Conn()
	return conn != nil && conn.IsOpen()
}

// Ghost returns a detached copy of the record, used by sessions to keep a
// seat in turn order after its participant has permanently left.
func (p *Participant) Ghost() *Participant {
	return &Participant{Identity: p.Identity, DisplayName: p.DisplayName}
}
