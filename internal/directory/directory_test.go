package directory

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"archipel/internal/engine"
	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

type fakeConn struct {
	mu   sync.Mutex
	id   types.Identity
	open bool
	obs  interfaces.Observer
	sent []*types.Envelope
}

func newFakeConn() *fakeConn { return &fakeConn{open: true} }

func (c *fakeConn) Send(env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Reattach(obs interfaces.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = obs
}

func (c *fakeConn) observer() interfaces.Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obs
}

func (c *fakeConn) Bind(id types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *fakeConn) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeConn) lastOfKind(kind types.Kind) *types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == kind {
			return c.sent[i]
		}
	}
	return nil
}

func newTestDirectory(grace time.Duration) *Directory {
	cfg := DefaultConfig()
	cfg.EvictionGrace = grace
	cfg.AutoplayDelay = grace / 2
	return New(cfg, engine.Factory{})
}

// registerAs drives the registration path directly, bypassing the queue.
func registerAs(t *testing.T, d *Directory, name string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	d.register(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: name})
	ack := conn.lastOfKind(types.KindAck)
	if ack == nil || ack.Identity == 0 {
		t.Fatalf("registration of %q failed: %+v", name, conn.sent)
	}
	return conn
}

func TestRegisterFresh(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")
	if conn.Identity() == 0 {
		t.Error("identity not bound to the channel")
	}
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := newFakeConn()
	d.register(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: " padded "})
	env := conn.lastOfKind(types.KindError)
	if env == nil || env.Code != types.CodeRegistrationRejected {
		t.Errorf("invalid name answered %+v", env)
	}
}

func TestRegisterRejectsTakenName(t *testing.T) {
	d := newTestDirectory(time.Minute)
	registerAs(t, d, "alice")

	conn := newFakeConn()
	d.register(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: "alice"})
	env := conn.lastOfKind(types.KindError)
	if env == nil || env.Code != types.CodeRegistrationRejected {
		t.Errorf("taken name answered %+v", env)
	}
}

func TestRegisterTwiceOnOneChannel(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")
	d.register(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: "bob"})
	env := conn.lastOfKind(types.KindError)
	if env == nil || env.Code != types.CodeNoOp {
		t.Errorf("re-registration answered %+v", env)
	}
}

func TestReconnectResumesIdentity(t *testing.T) {
	d := newTestDirectory(40 * time.Millisecond)
	c1 := registerAs(t, d, "alice")
	id := c1.Identity()

	d.ChannelLost(id, c1)

	c2 := newFakeConn()
	d.register(c2, &types.Envelope{Kind: types.KindRegister, PrevIdentity: id, DisplayName: "alice"})
	ack := c2.lastOfKind(types.KindAck)
	if ack == nil || ack.Identity != id {
		t.Fatalf("reconnect ack = %+v, want identity %d", ack, id)
	}

	// The stale channel's late disconnect must not restart eviction.
	d.ChannelLost(id, c1)
	time.Sleep(100 * time.Millisecond)

	dup := newFakeConn()
	d.register(dup, &types.Envelope{Kind: types.KindRegister, DisplayName: "alice"})
	if env := dup.lastOfKind(types.KindError); env == nil {
		t.Error("record was evicted despite the reconnect")
	}
}

func TestReconnectWithMismatchedNameGetsFreshIdentity(t *testing.T) {
	d := newTestDirectory(time.Minute)
	c1 := registerAs(t, d, "alice")
	id := c1.Identity()
	d.ChannelLost(id, c1)

	c2 := newFakeConn()
	d.register(c2, &types.Envelope{Kind: types.KindRegister, PrevIdentity: id, DisplayName: "bob"})
	ack := c2.lastOfKind(types.KindAck)
	if ack == nil || ack.Identity == id || ack.Identity == 0 {
		t.Errorf("mismatched reconnect ack = %+v", ack)
	}
}

func TestEvictionFreesTheName(t *testing.T) {
	d := newTestDirectory(30 * time.Millisecond)
	c1 := registerAs(t, d, "alice")
	d.ChannelLost(c1.Identity(), c1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn := newFakeConn()
		d.register(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: "alice"})
		if ack := conn.lastOfKind(types.KindAck); ack != nil {
			if ack.Identity == c1.Identity() {
				t.Error("evicted identity was reissued to a fresh registration")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("name never freed after eviction")
}

func TestCreateSession(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")

	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2, ExpertMode: true})

	snap := conn.lastOfKind(types.KindSessionSnapshot)
	if snap == nil || snap.Descriptor == nil || len(snap.Descriptor.Participants) != 1 {
		t.Fatalf("creator roster = %+v", snap)
	}
	if !snap.Descriptor.ExpertMode || snap.Descriptor.Capacity != 2 {
		t.Errorf("descriptor = %+v", snap.Descriptor)
	}
	if conn.observer() == nil {
		t.Error("creator channel not reattached to the session")
	}

	lister := registerAs(t, d, "bob")
	d.listSessions(lister)
	list := lister.lastOfKind(types.KindSessionsList)
	if list == nil || len(list.Sessions) != 1 {
		t.Fatalf("session list = %+v", list)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	d := newTestDirectory(time.Minute)

	unregistered := newFakeConn()
	d.createSession(unregistered, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})
	if env := unregistered.lastOfKind(types.KindError); env == nil || env.Code != types.CodeNotPermitted {
		t.Errorf("unregistered create answered %+v", env)
	}

	conn := registerAs(t, d, "alice")
	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 5})
	if env := conn.lastOfKind(types.KindError); env == nil || env.Code != types.CodeInvalidArguments {
		t.Errorf("bad capacity answered %+v", env)
	}

	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})
	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})
	if env := conn.lastOfKind(types.KindError); env == nil || env.Code != types.CodeNotPermitted {
		t.Errorf("second create while enrolled answered %+v", env)
	}
}

func TestJoinSession(t *testing.T) {
	d := newTestDirectory(time.Minute)
	creator := registerAs(t, d, "alice")
	d.createSession(creator, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})

	joiner := registerAs(t, d, "bob")
	d.joinSession(joiner, &types.Envelope{Kind: types.KindJoinSession, SessionID: 1})

	snap := joiner.lastOfKind(types.KindSessionSnapshot)
	if snap == nil || snap.Descriptor == nil || len(snap.Descriptor.Participants) != 2 {
		t.Fatalf("joiner roster = %+v", snap)
	}

	late := registerAs(t, d, "carol")
	d.joinSession(late, &types.Envelope{Kind: types.KindJoinSession, SessionID: 1})
	if env := late.lastOfKind(types.KindError); env == nil || env.Code != types.CodeNotPermitted {
		t.Errorf("join of a full session answered %+v", env)
	}
}

// Session broadcasts read the shared participant record while the directory
// detaches and re-attaches its channel across disconnect/reconnect cycles.
// The record's own lock keeps the two sides coherent; run with -race.
func TestBroadcastsDuringChannelChurn(t *testing.T) {
	d := newTestDirectory(time.Minute)
	creator := registerAs(t, d, "alice")
	id := creator.Identity()
	d.createSession(creator, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})
	joiner := registerAs(t, d, "bob")
	d.joinSession(joiner, &types.Envelope{Kind: types.KindJoinSession, SessionID: 1})
	sess := d.session(1)
	if sess == nil {
		t.Fatal("session 1 missing from the catalog")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			sess.ToggleReadiness(joiner.Identity())
		}
	}()
	go func() {
		defer wg.Done()
		cur := creator
		for i := 0; i < 100; i++ {
			d.ChannelLost(id, cur)
			next := newFakeConn()
			d.register(next, &types.Envelope{Kind: types.KindRegister, PrevIdentity: id, DisplayName: "alice"})
			cur = next
		}
	}()
	wg.Wait()

	if got := len(sess.Descriptor().Participants); got != 2 {
		t.Errorf("roster has %d seats after churn, want 2", got)
	}
}

func TestListingIsStableWithoutMutation(t *testing.T) {
	d := newTestDirectory(time.Minute)
	creator := registerAs(t, d, "alice")
	d.createSession(creator, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})

	lister := registerAs(t, d, "bob")
	d.listSessions(lister)
	first := lister.lastOfKind(types.KindSessionsList)
	d.listSessions(lister)
	second := lister.lastOfKind(types.KindSessionsList)

	a, err := json.Marshal(first.Sessions)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second.Sessions)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("descriptors drifted between listings:\n%s\n%s", a, b)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")
	d.joinSession(conn, &types.Envelope{Kind: types.KindJoinSession, SessionID: 404})
	if env := conn.lastOfKind(types.KindError); env == nil || env.Code != types.CodeInvalidArguments {
		t.Errorf("unknown session answered %+v", env)
	}
}

func TestLeaveReturnsChannelToDirectory(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")
	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})

	sess := d.session(1)
	if sess == nil {
		t.Fatal("session 1 missing from the catalog")
	}
	sess.OnMessage(conn, &types.Envelope{Kind: types.KindLeave})

	if obs := conn.observer(); obs != interfaces.Observer(d) {
		t.Error("channel not returned to directory scope")
	}
	if d.session(1) != nil {
		t.Error("emptied session not dissolved")
	}

	// Free to create again.
	d.createSession(conn, &types.Envelope{Kind: types.KindCreateSession, Capacity: 2})
	if snap := conn.lastOfKind(types.KindSessionSnapshot); snap == nil || snap.Descriptor == nil {
		t.Error("could not create a session after leaving the first")
	}
}

func TestDispatchQueueEndToEnd(t *testing.T) {
	d := newTestDirectory(time.Minute)
	d.Start()
	defer d.Stop()

	conn := newFakeConn()
	d.OnMessage(conn, &types.Envelope{Kind: types.KindRegister, DisplayName: "alice"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ack := conn.lastOfKind(types.KindAck); ack != nil && ack.Identity != 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queued registration never acknowledged")
}

func TestSessionScopeMessageInDirectory(t *testing.T) {
	d := newTestDirectory(time.Minute)
	conn := registerAs(t, d, "alice")
	d.dispatch(queued{conn: conn, env: &types.Envelope{Kind: types.KindToggleReadiness}})
	if env := conn.lastOfKind(types.KindError); env == nil || env.Code != types.CodeNotPermitted {
		t.Errorf("session-scope message answered %+v", env)
	}
}
