// Package peer implements the client side of the protocol: a local mirror
// of the shared game state, optimistic application of the peer's own moves,
// bounded ack retries with resynchronization, and automatic reconnection.
package peer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"archipel/internal/channel"
	"archipel/internal/config"
	"archipel/internal/roster"
	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// pendingMove tracks the one optimistic move awaiting acknowledgment.
type pendingMove struct {
	env       *types.Envelope
	remaining int
	timer     *roster.RecoveryTimer
}

// Peer is a participant process. Inbound events are applied to the mirror
// and then forwarded on Events for the presentation layer; the peer itself
// never renders anything.
type Peer struct {
	cfg     config.ClientConfig
	engines interfaces.EngineFactory
	store   *RecoveryStore
	dial    func() (interfaces.Conn, error)
	events  chan *types.Envelope

	mu          sync.Mutex
	conn        interfaces.Conn
	identity    types.Identity
	displayName string
	descriptor  *types.SessionDescriptor
	ready       []bool
	mirror      interfaces.RuleEngine
	confirmed   []byte // last server-confirmed snapshot
	pending     *pendingMove
	closed      bool
}

var _ interfaces.Observer = (*Peer)(nil)

// New builds a peer. The recovery store is opened from cfg.RecoveryPath;
// an empty path disables persistence.
func New(cfg config.ClientConfig, engines interfaces.EngineFactory) (*Peer, error) {
	p := &Peer{
		cfg:     cfg,
		engines: engines,
		events:  make(chan *types.Envelope, 256),
	}
	p.dial = p.dialWebsocket
	if cfg.RecoveryPath != "" {
		store, err := OpenRecoveryStore(cfg.RecoveryPath)
		if err != nil {
			return nil, err
		}
		p.store = store
	}
	return p, nil
}

// Events yields every inbound envelope after the peer has applied it, in
// delivery order.
func (p *Peer) Events() <-chan *types.Envelope { return p.events }

func (p *Peer) dialWebsocket() (interfaces.Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(p.cfg.ServerURL, nil)
	if err != nil {
		return nil, err
	}
	opts := channel.DefaultOptions()
	opts.IdleTimeout = 0 // the server goes quiet between events
	return channel.New(ws, p, opts), nil
}

// Connect dials the server and registers. With an empty displayName the
// persisted recovery record is used for a silent re-registration; with a
// name matching the record, the previous identity is offered so an
// in-progress session can be resumed.
func (p *Peer) Connect(displayName string) error {
	var prev types.Identity
	if p.store != nil {
		rec, err := p.store.Load(p.cfg.RecoveryMaxAge)
		if err != nil {
			log.Warn().Err(err).Msg("recovery record unreadable")
		} else if rec != nil && (displayName == "" || displayName == rec.DisplayName) {
			prev = rec.Identity
			displayName = rec.DisplayName
		}
	}
	if displayName == "" {
		return ErrNoDisplayName
	}

	conn, err := p.dial()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.displayName = displayName
	p.mu.Unlock()
	go p.heartbeat(conn)
	return conn.Send(&types.Envelope{Kind: types.KindRegister, PrevIdentity: prev, DisplayName: displayName})
}

// Close shuts the peer down; no reconnection is attempted afterwards.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	if p.pending != nil {
		p.pending.timer.Cancel()
		p.pending = nil
	}
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}

// Identity returns the registered identity, zero before registration.
func (p *Peer) Identity() types.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Descriptor returns the current session roster, nil outside a session.
func (p *Peer) Descriptor() *types.SessionDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor
}

// Mirror exposes the local game mirror for rendering, nil outside a match.
func (p *Peer) Mirror() interfaces.RuleEngine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mirror
}

// Directory-scope requests.

func (p *Peer) CreateSession(capacity int, expertMode bool) error {
	return p.send(&types.Envelope{Kind: types.KindCreateSession, Capacity: capacity, ExpertMode: expertMode})
}

func (p *Peer) JoinSession(id types.SessionID) error {
	return p.send(&types.Envelope{Kind: types.KindJoinSession, SessionID: id})
}

func (p *Peer) ListSessions() error {
	return p.send(&types.Envelope{Kind: types.KindListSessions})
}

// Session-scope requests.

func (p *Peer) Leave() error {
	return p.send(&types.Envelope{Kind: types.KindLeave})
}

func (p *Peer) ToggleReadiness() error {
	return p.send(&types.Envelope{Kind: types.KindToggleReadiness})
}

func (p *Peer) RequestResync() error {
	return p.send(&types.Envelope{Kind: types.KindResyncRequest})
}

// Moves. Each is applied optimistically to the mirror before the server
// confirms it.

func (p *Peer) SubmitPlayCard(cardIndex int) error {
	return p.submit(&types.Envelope{Kind: types.KindPlayCard, CardIndex: cardIndex})
}

func (p *Peer) SubmitStudentToHall(studentIndex int) error {
	return p.submit(&types.Envelope{Kind: types.KindStudentToHall, StudentIndex: studentIndex})
}

func (p *Peer) SubmitStudentToIsland(studentIndex, islandIndex int) error {
	return p.submit(&types.Envelope{Kind: types.KindStudentToIsland, StudentIndex: studentIndex, IslandIndex: islandIndex})
}

func (p *Peer) SubmitMarkerMove(steps int) error {
	return p.submit(&types.Envelope{Kind: types.KindMoveMarker, Steps: steps})
}

func (p *Peer) SubmitResourceChoice(resourceIndex int) error {
	return p.submit(&types.Envelope{Kind: types.KindChooseResource, ResourceIndex: resourceIndex})
}

func (p *Peer) SubmitSpecialEffect(effectIndex int, effectArgs []int) error {
	return p.submit(&types.Envelope{Kind: types.KindActivateSpecial, EffectIndex: effectIndex, EffectArgs: effectArgs})
}

func (p *Peer) send(env *types.Envelope) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

// submit runs the optimistic-apply protocol for one move: stamp a
// correlation id, apply speculatively to the mirror, send, and arm the ack
// retry timer. One move may be in flight at a time.
func (p *Peer) submit(env *types.Envelope) error {
	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if p.identity == 0 {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	if p.pending != nil {
		p.mu.Unlock()
		return ErrMoveInFlight
	}
	env.ID = uuid.NewString()
	if p.mirror != nil {
		// Speculative apply; a rejection here is fine, the server has the
		// final say and a revert will reconcile.
		if err := p.applyMove(p.identity, env); err != nil {
			log.Debug().Err(err).Str("kind", string(env.Kind)).Msg("speculative apply rejected locally")
		}
	}
	pm := &pendingMove{env: env, remaining: p.cfg.AckRetries}
	pm.timer = roster.Schedule(p.cfg.AckTimeout, func() { p.ackTimeout(env.ID) })
	p.pending = pm
	conn := p.conn
	p.mu.Unlock()
	return conn.Send(env)
}

// ackTimeout fires when a submitted move has not been acknowledged. The
// move is re-sent a bounded number of times; after that the speculative
// state is discarded and a full resynchronization is requested.
func (p *Peer) ackTimeout(id string) {
	p.mu.Lock()
	pm := p.pending
	if pm == nil || pm.env.ID != id || p.conn == nil {
		p.mu.Unlock()
		return
	}
	pm.remaining--
	conn := p.conn
	if pm.remaining > 0 {
		pm.timer = roster.Schedule(p.cfg.AckTimeout, func() { p.ackTimeout(id) })
		p.mu.Unlock()
		_ = conn.Send(pm.env)
		return
	}
	p.pending = nil
	p.discardSpeculativeLocked()
	p.mu.Unlock()
	log.Warn().Str("move", string(pm.env.Kind)).Msg("no acknowledgment, requesting resync")
	_ = conn.Send(&types.Envelope{Kind: types.KindResyncRequest})
}

// discardSpeculativeLocked rebuilds the mirror from the last confirmed
// snapshot.
func (p *Peer) discardSpeculativeLocked() {
	if p.mirror == nil || p.confirmed == nil {
		return
	}
	if err := p.mirror.RevertTo(p.confirmed); err != nil {
		log.Error().Err(err).Msg("mirror revert failed")
		p.mirror = nil
	}
}

// OnMessage applies one server event to the peer's state, then forwards it
// for presentation.
func (p *Peer) OnMessage(conn interfaces.Conn, env *types.Envelope) {
	p.mu.Lock()
	if conn != p.conn {
		p.mu.Unlock()
		return // stale channel
	}
	p.handleLocked(env)
	p.mu.Unlock()

	select {
	case p.events <- env:
	default:
		log.Warn().Str("kind", string(env.Kind)).Msg("event buffer full, dropping")
	}
}

func (p *Peer) handleLocked(env *types.Envelope) {
	switch {
	case env.Kind == types.KindAck:
		p.identity = env.Identity
		if p.store != nil {
			rec := RecoveryRecord{Identity: env.Identity, DisplayName: p.displayName, SavedAt: time.Now()}
			if err := p.store.Save(rec); err != nil {
				log.Warn().Err(err).Msg("could not persist recovery record")
			}
		}

	case env.Kind == types.KindError:
		if p.pending != nil && env.ID != "" && env.ID == p.pending.env.ID {
			// Our move was rejected; the accompanying revert broadcast
			// restores the mirror.
			p.pending.timer.Cancel()
			p.pending = nil
		}

	case env.Kind == types.KindSessionSnapshot:
		p.descriptor = env.Descriptor
		if env.Descriptor == nil {
			p.mirror = nil
			p.confirmed = nil
			p.ready = nil
		}

	case env.Kind == types.KindReadinessVector:
		p.ready = env.Ready

	case env.Kind == types.KindGameStarted:
		mirror, err := p.engines.Restore(env.Snapshot)
		if err != nil {
			log.Error().Err(err).Msg("could not restore game snapshot")
			return
		}
		p.mirror = mirror
		p.confirmed = env.Snapshot

	case env.Kind == types.KindMoveAccepted:
		if p.pending != nil && env.ID == p.pending.env.ID {
			p.pending.timer.Cancel()
			p.pending = nil
		}
		p.adoptMirrorLocked()

	case env.Kind.IsMove() && env.Actor != 0:
		if p.mirror == nil {
			return
		}
		if err := p.applyMove(env.Actor, env); err != nil {
			log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("broadcast move diverged, awaiting resync")
			return
		}
		p.adoptMirrorLocked()

	case env.Kind == types.KindRevert:
		if env.Snapshot != nil {
			p.confirmed = env.Snapshot
		}
		p.discardSpeculativeLocked()

	case env.Kind == types.KindResourceUpdate || env.Kind == types.KindSpecialUpdate:
		// Authoritative snapshot piggybacked on the update; adopt it.
		if env.Snapshot != nil && p.mirror != nil {
			if err := p.mirror.RevertTo(env.Snapshot); err == nil {
				p.confirmed = env.Snapshot
			}
		}

	case env.Kind == types.KindTurnSkipped:
		if p.mirror != nil {
			if err := p.mirror.SkipCurrentTurn(); err == nil {
				p.adoptMirrorLocked()
			}
		}

	case env.Kind == types.KindGameEnded:
		p.mirror = nil
		p.confirmed = nil
		if p.pending != nil {
			p.pending.timer.Cancel()
			p.pending = nil
		}
	}
}

func (p *Peer) applyMove(actor types.Identity, env *types.Envelope) error {
	switch env.Kind {
	case types.KindPlayCard:
		return p.mirror.ApplyCard(actor, env.CardIndex)
	case types.KindStudentToHall:
		return p.mirror.ApplyStudentToHall(actor, env.StudentIndex)
	case types.KindStudentToIsland:
		return p.mirror.ApplyStudentToIsland(actor, env.StudentIndex, env.IslandIndex)
	case types.KindMoveMarker:
		return p.mirror.ApplyMarkerMove(actor, env.Steps)
	case types.KindChooseResource:
		return p.mirror.ApplyResourceChoice(actor, env.ResourceIndex)
	case types.KindActivateSpecial:
		return p.mirror.ApplySpecialEffect(actor, env.EffectIndex, env.EffectArgs)
	}
	return nil
}

func (p *Peer) adoptMirrorLocked() {
	if p.mirror == nil {
		return
	}
	if snap, err := p.mirror.Snapshot(); err == nil {
		p.confirmed = snap
	}
}

// OnDisconnect starts the fixed-interval reconnection loop.
func (p *Peer) OnDisconnect(conn interfaces.Conn) {
	p.mu.Lock()
	if conn != p.conn || p.closed {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	if p.pending != nil {
		p.pending.timer.Cancel()
		p.pending = nil
	}
	p.discardSpeculativeLocked()
	p.mu.Unlock()
	log.Info().Msg("disconnected, retrying")
	go p.reconnectLoop()
}

func (p *Peer) reconnectLoop() {
	for {
		time.Sleep(p.cfg.ReconnectInterval)
		p.mu.Lock()
		if p.closed || p.conn != nil {
			p.mu.Unlock()
			return
		}
		id, name := p.identity, p.displayName
		p.mu.Unlock()

		conn, err := p.dial()
		if err != nil {
			log.Debug().Err(err).Msg("reconnect attempt failed")
			continue
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		go p.heartbeat(conn)
		_ = conn.Send(&types.Envelope{Kind: types.KindRegister, PrevIdentity: id, DisplayName: name})
		return
	}
}

// heartbeat keeps the server's read-idle window refreshed for one channel.
func (p *Peer) heartbeat(conn interfaces.Conn) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		current := p.conn == conn && !p.closed
		p.mu.Unlock()
		if !current || !conn.IsOpen() {
			return
		}
		if err := conn.Send(&types.Envelope{Kind: types.KindHeartbeat}); err != nil {
			return
		}
	}
}
