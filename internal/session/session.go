// Package session implements the per-lobby actor: roster and readiness
// management, the optimistic move protocol against the authoritative game
// state, and disconnect/autoplay recovery.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"archipel/internal/roster"
	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// Registrar is the directory-facing hook surface. Sessions call it only
// after releasing their own lock; the directory conversely never holds its
// lock while calling into a session. That single ordering rule keeps the two
// layers deadlock-free.
type Registrar interface {
	// ParticipantLeft clears a participant's membership and returns their
	// channel, if any, to directory scope. Unknown identities are a no-op.
	ParticipantLeft(id types.Identity)
	// ChannelLost reports a transient disconnect so the directory can start
	// its eviction grace window. The conn lets the directory ignore stale
	// notifications from an already-replaced channel.
	ChannelLost(id types.Identity, conn interfaces.Conn)
	// SessionDissolved reports that the session has no channel-bearing
	// participants left and can be dropped from the catalog.
	SessionDissolved(id types.SessionID)
}

// Session is a lobby that can run successive matches. All state below mu is
// owned by it; public operations hold the lock for their full duration.
// Registrar notifications produced while locked are queued and delivered
// after the lock is released.
type Session struct {
	id        types.SessionID
	capacity  int
	expert    bool
	registrar Registrar
	engines   interfaces.EngineFactory
	autoDelay time.Duration

	mu        sync.Mutex
	members   []*roster.Participant // seat order defines turn order
	ready     []bool                // always len == capacity
	game      interfaces.RuleEngine // non-nil iff all ready flags true (Live)
	confirmed []byte                // last confirmed snapshot while Live
	autoplay  map[types.Identity]*roster.RecoveryTimer
	dissolved bool
	pending   []func() // registrar calls queued under mu
}

var _ interfaces.Observer = (*Session)(nil)

// New creates a Forming session. The creator is enrolled separately by the
// directory.
func New(id types.SessionID, capacity int, expert bool, reg Registrar, engines interfaces.EngineFactory, autoplayDelay time.Duration) *Session {
	return &Session{
		id:        id,
		capacity:  capacity,
		expert:    expert,
		registrar: reg,
		engines:   engines,
		autoDelay: autoplayDelay,
		ready:     make([]bool, capacity),
		autoplay:  make(map[types.Identity]*roster.RecoveryTimer),
	}
}

// ID returns the session identifier.
func (s *Session) ID() types.SessionID { return s.id }

// Descriptor produces an immutable roster snapshot.
func (s *Session) Descriptor() types.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptorLocked()
}

// run executes fn under the session lock, then delivers the registrar
// notifications fn queued.
func (s *Session) run(fn func()) {
	s.mu.Lock()
	fn()
	posts := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, post := range posts {
		post()
	}
}

func (s *Session) postLocked(fn func()) {
	s.pending = append(s.pending, fn)
}

// OnMessage dispatches a session-scope request from a member's channel.
// Requests arriving on a channel that is no longer the seat's current one
// are dropped; a reconnect has already superseded them and the replacement
// channel was resynced on reattach.
func (s *Session) OnMessage(conn interfaces.Conn, env *types.Envelope) {
	id := conn.Identity()
	if !s.holdsSeat(id, conn) {
		log.Debug().Uint32("identity", uint32(id)).Str("kind", string(env.Kind)).Msg("request from superseded channel dropped")
		return
	}
	switch {
	case env.Kind == types.KindLeave:
		s.Leave(id)
	case env.Kind == types.KindToggleReadiness:
		s.ToggleReadiness(id)
	case env.Kind == types.KindResyncRequest:
		s.Resync(id, conn)
	case env.Kind.IsMove():
		s.SubmitMove(id, conn, env)
	default:
		_ = conn.Send(types.Errorf(types.CodeInvalidArguments, "unexpected message in session scope"))
	}
}

// holdsSeat reports whether conn is the current channel of the seated member
// with the given identity.
func (s *Session) holdsSeat(id types.Identity, conn interfaces.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat := s.seatOf(id)
	return seat >= 0 && s.members[seat].Conn() == conn
}

// OnDisconnect handles a transient disconnect of a member's channel: the
// directory starts its eviction grace, and if the disconnected member is the
// current mover an autoplay skip is scheduled.
func (s *Session) OnDisconnect(conn interfaces.Conn) {
	id := conn.Identity()
	stale := false
	s.run(func() {
		seat := s.seatOf(id)
		if seat < 0 || s.members[seat].Conn() != conn {
			// A reconnect already replaced this channel.
			stale = true
			return
		}
		if s.game != nil && s.game.CurrentMover() == id {
			s.scheduleAutoplayLocked(id)
		}
	})
	if !stale {
		s.registrar.ChannelLost(id, conn)
	}
}

// Enroll adds a participant to a Forming roster and broadcasts the updated
// descriptor and readiness vector. The caller (directory) sets the record's
// SessionID on success.
func (s *Session) Enroll(p *roster.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dissolved {
		return ErrSessionDissolved
	}
	if s.game != nil {
		return ErrSessionLive
	}
	if len(s.members) >= s.capacity {
		return ErrSessionFull
	}
	if s.seatOf(p.Identity) >= 0 {
		return ErrAlreadyEnrolled
	}
	s.members = append(s.members, p)
	p.Conn().Reattach(s)
	s.broadcastRosterLocked()
	return nil
}

// ToggleReadiness flips a member's flag. When every seat of a full roster is
// ready, the authoritative game is constructed and the session goes Live.
func (s *Session) ToggleReadiness(id types.Identity) {
	s.run(func() {
		seat := s.seatOf(id)
		if seat < 0 {
			return
		}
		p := s.members[seat]
		if s.game != nil {
			s.sendLocked(p, types.Errorf(types.CodeNotPermitted, "readiness is fixed while a game is running"))
			return
		}
		s.ready[seat] = !s.ready[seat]
		s.broadcastLocked(&types.Envelope{Kind: types.KindReadinessVector, Ready: s.readinessLocked()})
		if len(s.members) < s.capacity {
			return
		}
		for _, r := range s.ready {
			if !r {
				return
			}
		}
		s.startGameLocked()
	})
}

func (s *Session) startGameLocked() {
	seats := make([]types.Identity, len(s.members))
	for i, m := range s.members {
		seats[i] = m.Identity
	}
	game, err := s.engines.New(seats, s.expert)
	if err != nil {
		log.Error().Err(err).Uint32("session", uint32(s.id)).Msg("game construction failed")
		s.broadcastLocked(types.Errorf(types.CodeServerFailure, "could not start the game"))
		return
	}
	snap, err := game.Snapshot()
	if err != nil {
		log.Error().Err(err).Uint32("session", uint32(s.id)).Msg("initial snapshot failed")
		s.broadcastLocked(types.Errorf(types.CodeServerFailure, "could not start the game"))
		return
	}
	s.game = game
	s.confirmed = snap
	s.broadcastLocked(&types.Envelope{Kind: types.KindGameStarted, Snapshot: snap})
	log.Info().Uint32("session", uint32(s.id)).Int("players", len(seats)).Msg("game started")
	// A member may have dropped between readying up and the start.
	s.afterMoveLocked()
}

// SubmitMove runs the optimistic protocol for one submitted move: apply to
// the authoritative state, then either acknowledge and broadcast, or reject
// to the submitter and broadcast a revert to everyone.
func (s *Session) SubmitMove(id types.Identity, conn interfaces.Conn, env *types.Envelope) {
	s.run(func() {
		if s.game == nil {
			_ = conn.Send(types.Errorf(types.CodeNotPermitted, "no game in progress"))
			return
		}

		if err := s.applyLocked(id, env); err != nil {
			rejection := types.Errorf(types.CodeMoveRejected, err.Error())
			rejection.ID = env.ID
			_ = conn.Send(rejection)
			// Every mirror may hold speculative state for this move; all
			// of them fall back to the last confirmed snapshot.
			s.broadcastLocked(&types.Envelope{Kind: types.KindRevert, Snapshot: s.confirmed})
			return
		}

		snap, err := s.game.Snapshot()
		if err != nil {
			log.Error().Err(err).Uint32("session", uint32(s.id)).Msg("post-move snapshot failed")
			// The move already mutated the authoritative state; roll it
			// back so state and s.confirmed stay in step, and collapse
			// every mirror onto the confirmed snapshot.
			if rerr := s.game.RevertTo(s.confirmed); rerr != nil {
				log.Error().Err(rerr).Uint32("session", uint32(s.id)).Msg("rollback after failed snapshot also failed")
			}
			failure := types.Errorf(types.CodeServerFailure, "internal snapshot failure")
			failure.ID = env.ID
			_ = conn.Send(failure)
			s.broadcastLocked(&types.Envelope{Kind: types.KindRevert, Snapshot: s.confirmed})
			return
		}
		s.confirmed = snap

		broadcast := *env
		broadcast.Actor = id
		broadcast.ID = ""
		s.broadcastExceptLocked(id, &broadcast)
		_ = conn.Send(&types.Envelope{Kind: types.KindMoveAccepted, ID: env.ID})

		switch env.Kind {
		case types.KindChooseResource:
			s.broadcastLocked(&types.Envelope{Kind: types.KindResourceUpdate, Snapshot: snap})
		case types.KindActivateSpecial:
			s.broadcastLocked(&types.Envelope{Kind: types.KindSpecialUpdate, Snapshot: snap})
		}

		s.afterMoveLocked()
	})
}

func (s *Session) applyLocked(id types.Identity, env *types.Envelope) error {
	switch env.Kind {
	case types.KindPlayCard:
		return s.game.ApplyCard(id, env.CardIndex)
	case types.KindStudentToHall:
		return s.game.ApplyStudentToHall(id, env.StudentIndex)
	case types.KindStudentToIsland:
		return s.game.ApplyStudentToIsland(id, env.StudentIndex, env.IslandIndex)
	case types.KindMoveMarker:
		return s.game.ApplyMarkerMove(id, env.Steps)
	case types.KindChooseResource:
		return s.game.ApplyResourceChoice(id, env.ResourceIndex)
	case types.KindActivateSpecial:
		return s.game.ApplySpecialEffect(id, env.EffectIndex, env.EffectArgs)
	}
	return ErrNotAMove
}

// afterMoveLocked advances past unreachable movers and resolves the game
// end. A seat whose readiness flag is false (a ghost, or a mid-game leaver)
// is skipped immediately so turn order never stalls; a seat that is merely
// disconnected gets the autoplay grace first.
func (s *Session) afterMoveLocked() {
	for s.game != nil {
		if winner, over := s.game.Winner(); over {
			s.finishGameLocked(winner)
			return
		}
		mover := s.game.CurrentMover()
		seat := s.seatOf(mover)
		if seat < 0 {
			log.Error().Uint32("session", uint32(s.id)).Uint32("mover", uint32(mover)).Msg("mover has no seat")
			return
		}
		if !s.ready[seat] {
			s.skipTurnLocked(mover)
			continue
		}
		if !s.members[seat].Connected() {
			s.scheduleAutoplayLocked(mover)
			return
		}
		return
	}
}

func (s *Session) skipTurnLocked(mover types.Identity) {
	if err := s.game.SkipCurrentTurn(); err != nil {
		log.Warn().Err(err).Uint32("session", uint32(s.id)).Msg("turn skip rejected")
		return
	}
	if snap, err := s.game.Snapshot(); err == nil {
		s.confirmed = snap
	}
	s.broadcastLocked(&types.Envelope{Kind: types.KindTurnSkipped, Skipped: mover})
}

// Leave removes a participant. While Forming the seat disappears and all
// readiness is cleared; while Live the seat stays in turn order as a ghost.
func (s *Session) Leave(id types.Identity) {
	s.run(func() {
		seat := s.seatOf(id)
		if seat < 0 {
			return
		}
		p := s.members[seat]
		if s.game == nil {
			s.leaveFormingLocked(seat, p, true)
		} else {
			s.leaveLiveLocked(seat, p, true)
		}
	})
}

func (s *Session) leaveFormingLocked(seat int, p *roster.Participant, notify bool) {
	s.members = append(s.members[:seat], s.members[seat+1:]...)
	s.ready = make([]bool, s.capacity)
	s.cancelAutoplayLocked(p.Identity)
	if notify {
		// "You have left": a snapshot event with no descriptor.
		s.sendLocked(p, &types.Envelope{Kind: types.KindSessionSnapshot})
	}
	s.broadcastRosterLocked()

	id := p.Identity
	s.postLocked(func() { s.registrar.ParticipantLeft(id) })
	if len(s.members) == 0 && !s.dissolved {
		s.dissolved = true
		s.postLocked(func() { s.registrar.SessionDissolved(s.id) })
	}
}

func (s *Session) leaveLiveLocked(seat int, p *roster.Participant, notify bool) {
	id := p.Identity
	s.ready[seat] = false
	s.members[seat] = p.Ghost()
	if notify {
		s.sendLocked(p, &types.Envelope{Kind: types.KindSessionSnapshot})
	}
	s.broadcastLocked(&types.Envelope{Kind: types.KindReadinessVector, Ready: s.readinessLocked()})
	s.postLocked(func() { s.registrar.ParticipantLeft(id) })

	if lone, ok := s.loneReadySeatLocked(); ok {
		// Everyone else is gone: the last ready participant wins by
		// forfeiture and the lobby resets for a rematch.
		s.finishGameLocked(s.members[lone].Identity)
		return
	}
	if s.game.CurrentMover() == id {
		s.scheduleAutoplayLocked(id)
	}
}

// loneReadySeatLocked reports the only ready seat, if exactly one remains.
func (s *Session) loneReadySeatLocked() (int, bool) {
	lone, count := -1, 0
	for i, r := range s.ready {
		if r {
			lone = i
			count++
		}
	}
	return lone, count == 1
}

// HandlePermanentDisconnect is invoked by the directory when the eviction
// grace elapses. The record is already gone from the registry; the session
// drops or ghosts the seat. If the evicted participant was the current
// mover, peers first revert any speculative state, then the turn is skipped
// so the game never stalls on an evicted seat.
func (s *Session) HandlePermanentDisconnect(id types.Identity) {
	s.run(func() {
		seat := s.seatOf(id)
		if seat < 0 {
			return
		}
		p := s.members[seat]
		s.cancelAutoplayLocked(id)
		if s.game == nil {
			s.leaveFormingLocked(seat, p, false)
			return
		}
		wasMover := s.game.CurrentMover() == id
		s.leaveLiveLocked(seat, p, false)
		if s.game != nil && wasMover {
			s.broadcastLocked(&types.Envelope{Kind: types.KindRevert, Snapshot: s.confirmed})
			s.cancelAutoplayLocked(id)
			s.skipTurnLocked(id)
			s.afterMoveLocked()
		}
	})
}

// Reattach hands a reconnected participant's new channel back into the
// session, cancelling any pending autoplay for them and resynchronizing
// their mirror. Returns false if the participant no longer holds a seat.
func (s *Session) Reattach(p *roster.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat := s.seatOf(p.Identity)
	if seat < 0 || s.dissolved {
		return false
	}
	s.members[seat] = p
	s.cancelAutoplayLocked(p.Identity)
	conn := p.Conn()
	conn.Reattach(s)
	s.resyncLocked(conn)
	return true
}

// Resync answers a member's explicit resynchronization request.
func (s *Session) Resync(id types.Identity, conn interfaces.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seatOf(id) < 0 {
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "not a member of this session"))
		return
	}
	s.resyncLocked(conn)
}

func (s *Session) resyncLocked(conn interfaces.Conn) {
	desc := s.descriptorLocked()
	_ = conn.Send(&types.Envelope{Kind: types.KindSessionSnapshot, Descriptor: &desc})
	_ = conn.Send(&types.Envelope{Kind: types.KindReadinessVector, Ready: s.readinessLocked()})
	if s.game != nil {
		_ = conn.Send(&types.Envelope{Kind: types.KindGameStarted, Snapshot: s.confirmed})
	}
}

// finishGameLocked ends the match: broadcast the winner, then reset to
// Forming, pruning every seat without a live channel. The lobby itself
// survives for rematches unless that pruning empties it.
func (s *Session) finishGameLocked(winner types.Identity) {
	s.broadcastLocked(&types.Envelope{Kind: types.KindGameEnded, Winner: winner})
	s.game = nil
	s.confirmed = nil
	for _, t := range s.autoplay {
		t.Cancel()
	}
	s.autoplay = make(map[types.Identity]*roster.RecoveryTimer)

	kept := s.members[:0]
	for _, m := range s.members {
		if m.Connected() {
			kept = append(kept, m)
			continue
		}
		if m.Session() == s.id {
			// A pruned transiently-disconnected member still holds a
			// directory record pointing here; release it.
			id := m.Identity
			s.postLocked(func() { s.registrar.ParticipantLeft(id) })
		}
	}
	s.members = kept
	s.ready = make([]bool, s.capacity)
	s.broadcastRosterLocked()
	if len(s.members) == 0 && !s.dissolved {
		s.dissolved = true
		s.postLocked(func() { s.registrar.SessionDissolved(s.id) })
	}
	log.Info().Uint32("session", uint32(s.id)).Uint32("winner", uint32(winner)).Msg("game ended")
}

func (s *Session) scheduleAutoplayLocked(id types.Identity) {
	if _, ok := s.autoplay[id]; ok {
		return
	}
	s.autoplay[id] = roster.Schedule(s.autoDelay, func() { s.autoplayFired(id) })
}

func (s *Session) cancelAutoplayLocked(id types.Identity) {
	if t, ok := s.autoplay[id]; ok {
		t.Cancel()
		delete(s.autoplay, id)
	}
}

// autoplayFired runs after the autoplay delay. It re-checks relevance under
// the session lock: a reconnect or an earlier skip makes it a no-op.
func (s *Session) autoplayFired(id types.Identity) {
	s.run(func() {
		if _, ok := s.autoplay[id]; !ok {
			return
		}
		delete(s.autoplay, id)
		if s.dissolved || s.game == nil || s.game.CurrentMover() != id {
			return
		}
		seat := s.seatOf(id)
		if seat < 0 || s.members[seat].Connected() {
			return
		}
		s.skipTurnLocked(id)
		s.afterMoveLocked()
	})
}

func (s *Session) seatOf(id types.Identity) int {
	for i, m := range s.members {
		if m.Identity == id {
			return i
		}
	}
	return -1
}

func (s *Session) descriptorLocked() types.SessionDescriptor {
	desc := types.SessionDescriptor{
		SessionID:  s.id,
		Capacity:   s.capacity,
		ExpertMode: s.expert,
	}
	for _, m := range s.members {
		desc.Participants = append(desc.Participants, m.Info())
	}
	return desc
}

func (s *Session) readinessLocked() []bool {
	out := make([]bool, len(s.ready))
	copy(out, s.ready)
	return out
}

func (s *Session) broadcastRosterLocked() {
	desc := s.descriptorLocked()
	s.broadcastLocked(&types.Envelope{Kind: types.KindSessionSnapshot, Descriptor: &desc})
	s.broadcastLocked(&types.Envelope{Kind: types.KindReadinessVector, Ready: s.readinessLocked()})
}

func (s *Session) broadcastLocked(env *types.Envelope) {
	for _, m := range s.members {
		s.sendLocked(m, env)
	}
}

func (s *Session) broadcastExceptLocked(except types.Identity, env *types.Envelope) {
	for _, m := range s.members {
		if m.Identity == except {
			continue
		}
		s.sendLocked(m, env)
	}
}

func (s *Session) sendLocked(p *roster.Participant, env *types.Envelope) {
	conn := p.Conn()
	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		log.Debug().Err(err).Uint32("identity", uint32(p.Identity)).Msg("session send failed")
	}
}
