// Package directory implements the process-wide registrar: participant
// records, identity issuance, the session catalog, and reconnection-grace
// bookkeeping. Every channel-originated directory-scope operation flows
// through one FIFO queue drained by a single dispatch goroutine, so
// concurrent registrations, session creation and listing are totally
// ordered.
package directory

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"archipel/internal/roster"
	"archipel/internal/session"
	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// Config bounds the directory's recovery timing and queueing.
type Config struct {
	// EvictionGrace is how long a disconnected participant's record
	// survives awaiting re-registration.
	EvictionGrace time.Duration
	// AutoplayDelay is handed to sessions for mover-unreachable skips.
	AutoplayDelay time.Duration
	// QueueSize buffers the dispatch queue.
	QueueSize int
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		EvictionGrace: 60 * time.Second,
		AutoplayDelay: 15 * time.Second,
		QueueSize:     256,
	}
}

type queued struct {
	conn interfaces.Conn
	env  *types.Envelope // nil marks a disconnect notification
}

// Directory owns all participant records and the session catalog. Registry
// state is guarded by one mutex; the mutex is never held across calls into a
// session (see session.Registrar for the ordering rule). A record's channel
// and membership fields carry the record's own lock, since sessions read
// them during broadcasts while the directory mutates them.
type Directory struct {
	cfg     Config
	engines interfaces.EngineFactory

	queue chan queued
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	records   map[types.Identity]*roster.Participant
	names     map[string]types.Identity
	sessions  map[types.SessionID]*session.Session
	evictions map[types.Identity]*roster.RecoveryTimer
	lastSID   types.SessionID
}

var (
	_ interfaces.Observer = (*Directory)(nil)
	_ session.Registrar   = (*Directory)(nil)
)

// New builds a directory. Start must be called before channels attach.
func New(cfg Config, engines interfaces.EngineFactory) *Directory {
	return &Directory{
		cfg:       cfg,
		engines:   engines,
		queue:     make(chan queued, cfg.QueueSize),
		done:      make(chan struct{}),
		records:   make(map[types.Identity]*roster.Participant),
		names:     make(map[string]types.Identity),
		sessions:  make(map[types.SessionID]*session.Session),
		evictions: make(map[types.Identity]*roster.RecoveryTimer),
	}
}

// Start launches the single dispatch consumer.
func (d *Directory) Start() {
	go d.dispatchLoop()
}

// Stop halts dispatch and cancels pending eviction timers.
func (d *Directory) Stop() {
	d.once.Do(func() { close(d.done) })
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.evictions {
		t.Cancel()
	}
	d.evictions = make(map[types.Identity]*roster.RecoveryTimer)
}

// OnMessage enqueues a directory-scope request; the dispatch goroutine
// preserves arrival order across all channels.
func (d *Directory) OnMessage(conn interfaces.Conn, env *types.Envelope) {
	select {
	case d.queue <- queued{conn: conn, env: env}:
	case <-d.done:
	}
}

// OnDisconnect enqueues a disconnect notification for a channel currently in
// directory scope.
func (d *Directory) OnDisconnect(conn interfaces.Conn) {
	select {
	case d.queue <- queued{conn: conn}:
	case <-d.done:
	}
}

func (d *Directory) dispatchLoop() {
	for {
		select {
		case q := <-d.queue:
			d.dispatch(q)
		case <-d.done:
			return
		}
	}
}

func (d *Directory) dispatch(q queued) {
	if q.env == nil {
		d.ChannelLost(q.conn.Identity(), q.conn)
		return
	}
	switch q.env.Kind {
	case types.KindRegister:
		d.register(q.conn, q.env)
	case types.KindCreateSession:
		d.createSession(q.conn, q.env)
	case types.KindJoinSession:
		d.joinSession(q.conn, q.env)
	case types.KindListSessions:
		d.listSessions(q.conn)
	default:
		_ = q.conn.Send(types.Errorf(types.CodeNotPermitted, "not in a session"))
	}
}

// register handles both fresh registration and reconnection. A previous
// identity matching a channel-less record with the same display name resumes
// that record, eviction cancelled and session membership intact. Anything
// else falls through to the fresh path.
func (d *Directory) register(conn interfaces.Conn, env *types.Envelope) {
	name := env.DisplayName

	d.mu.Lock()
	if conn.Identity() != 0 {
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeNoOp, "channel is already registered"))
		return
	}

	if prev := env.PrevIdentity; prev != 0 {
		if rec, ok := d.records[prev]; ok && rec.Conn() == nil && rec.DisplayName == name {
			if t, ok := d.evictions[prev]; ok {
				t.Cancel()
				delete(d.evictions, prev)
			}
			rec.SetConn(conn)
			conn.Bind(prev)
			sid := rec.Session()
			d.mu.Unlock()
			_ = conn.Send(&types.Envelope{Kind: types.KindAck, Identity: prev})
			if sid != 0 {
				d.handBackToSession(rec, sid, conn)
			}
			log.Info().Uint32("identity", uint32(prev)).Str("name", name).Msg("participant reconnected")
			return
		}
	}

	if !types.IsValidDisplayName(name) {
		d.mu.Unlock()
		_ = conn.Send(d.registrationError(env, "invalid display name"))
		return
	}
	if _, taken := d.names[name]; taken {
		d.mu.Unlock()
		_ = conn.Send(d.registrationError(env, "display name already in use"))
		return
	}

	id := d.mintIdentityLocked()
	rec := roster.NewParticipant(id, name, conn)
	d.records[id] = rec
	d.names[name] = id
	conn.Bind(id)
	d.mu.Unlock()

	_ = conn.Send(&types.Envelope{Kind: types.KindAck, Identity: id})
	log.Info().Uint32("identity", uint32(id)).Str("name", name).Msg("participant registered")
}

func (d *Directory) registrationError(env *types.Envelope, reason string) *types.Envelope {
	if env.PrevIdentity != 0 {
		return types.Errorf(types.CodeReconnectFailed, reason)
	}
	return types.Errorf(types.CodeRegistrationRejected, reason)
}

// mintIdentityLocked generates a fresh non-zero identity, retrying on
// collision. Randomness is a uniqueness device, nothing more.
func (d *Directory) mintIdentityLocked() types.Identity {
	for {
		id := types.Identity(rand.Uint32())
		if id == 0 {
			continue
		}
		if _, exists := d.records[id]; !exists {
			return id
		}
	}
}

// handBackToSession re-seats a reconnected participant. If the seat is gone
// (the match ended and pruned them) the membership is cleared instead.
func (d *Directory) handBackToSession(rec *roster.Participant, sid types.SessionID, conn interfaces.Conn) {
	sess := d.session(sid)
	if sess != nil && sess.Reattach(rec) {
		return
	}
	rec.SetSession(0)
	_ = conn.Send(&types.Envelope{Kind: types.KindSessionSnapshot})
}

func (d *Directory) createSession(conn interfaces.Conn, env *types.Envelope) {
	id := conn.Identity()
	if id == 0 {
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "register first"))
		return
	}
	if !types.IsValidCapacity(env.Capacity) {
		_ = conn.Send(types.Errorf(types.CodeInvalidArguments, types.ErrInvalidCapacity.Error()))
		return
	}

	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "register first"))
		return
	}
	if rec.Session() != 0 {
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "already in a session"))
		return
	}
	d.lastSID++
	sid := d.lastSID
	sess := session.New(sid, env.Capacity, env.ExpertMode, d, d.engines, d.cfg.AutoplayDelay)
	d.sessions[sid] = sess
	d.mu.Unlock()

	if err := sess.Enroll(rec); err != nil {
		d.mu.Lock()
		delete(d.sessions, sid)
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeServerFailure, err.Error()))
		return
	}
	rec.SetSession(sid)
	log.Info().Uint32("session", uint32(sid)).Int("capacity", env.Capacity).Bool("expert", env.ExpertMode).Msg("session created")
}

func (d *Directory) joinSession(conn interfaces.Conn, env *types.Envelope) {
	id := conn.Identity()
	if id == 0 {
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "register first"))
		return
	}

	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "register first"))
		return
	}
	if rec.Session() != 0 {
		d.mu.Unlock()
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, "already in a session"))
		return
	}
	sess, found := d.sessions[env.SessionID]
	d.mu.Unlock()
	if !found {
		_ = conn.Send(types.Errorf(types.CodeInvalidArguments, "unknown session"))
		return
	}

	if err := sess.Enroll(rec); err != nil {
		_ = conn.Send(types.Errorf(types.CodeNotPermitted, err.Error()))
		return
	}
	rec.SetSession(sess.ID())
}

func (d *Directory) listSessions(conn interfaces.Conn) {
	d.mu.Lock()
	open := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		open = append(open, s)
	}
	d.mu.Unlock()

	descs := make([]types.SessionDescriptor, 0, len(open))
	for _, s := range open {
		descs = append(descs, s.Descriptor())
	}
	_ = conn.Send(&types.Envelope{Kind: types.KindSessionsList, Sessions: descs})
}

// ChannelLost starts the eviction grace for a disconnected participant. It
// is called from directory dispatch for channels in directory scope and by
// sessions (via the Registrar contract) for channels in session scope. Stale
// notifications from an already-replaced channel are ignored.
func (d *Directory) ChannelLost(id types.Identity, conn interfaces.Conn) {
	if id == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok || rec.Conn() != conn {
		return
	}
	rec.SetConn(nil)
	if _, pending := d.evictions[id]; pending {
		return
	}
	d.evictions[id] = roster.Schedule(d.cfg.EvictionGrace, func() { d.evict(id) })
	log.Debug().Uint32("identity", uint32(id)).Msg("eviction grace started")
}

// evict fires when the grace window elapses without a re-registration. The
// record is removed and its session, if any, is told the participant is
// permanently gone.
func (d *Directory) evict(id types.Identity) {
	d.mu.Lock()
	delete(d.evictions, id)
	rec, ok := d.records[id]
	if !ok || rec.Conn() != nil {
		d.mu.Unlock()
		return
	}
	delete(d.records, id)
	delete(d.names, rec.DisplayName)
	sid := rec.Session()
	d.mu.Unlock()

	log.Info().Uint32("identity", uint32(id)).Str("name", rec.DisplayName).Msg("participant evicted")
	if sid != 0 {
		if sess := d.session(sid); sess != nil {
			sess.HandlePermanentDisconnect(id)
		}
	}
}

// ParticipantLeft clears session membership and returns the channel, if
// still open, to directory scope.
func (d *Directory) ParticipantLeft(id types.Identity) {
	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	rec.SetSession(0)
	conn := rec.Conn()
	d.mu.Unlock()
	if conn != nil && conn.IsOpen() {
		conn.Reattach(d)
	}
}

// SessionDissolved drops an emptied session from the catalog.
func (d *Directory) SessionDissolved(id types.SessionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
	log.Info().Uint32("session", uint32(id)).Msg("session dissolved")
}

func (d *Directory) session(id types.SessionID) *session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}
