package channel

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// recordingObserver collects deliveries and disconnects on channels so tests
// can wait for them without polling.
type recordingObserver struct {
	messages    chan *types.Envelope
	disconnects chan interfaces.Conn
	count       atomic.Int32
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		messages:    make(chan *types.Envelope, 64),
		disconnects: make(chan interfaces.Conn, 8),
	}
}

func (o *recordingObserver) OnMessage(_ interfaces.Conn, env *types.Envelope) {
	o.messages <- env
}

func (o *recordingObserver) OnDisconnect(conn interfaces.Conn) {
	o.count.Add(1)
	o.disconnects <- conn
}

func (o *recordingObserver) waitMessage(t *testing.T) *types.Envelope {
	t.Helper()
	select {
	case env := <-o.messages:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func (o *recordingObserver) waitDisconnect(t *testing.T) {
	t.Helper()
	select {
	case <-o.disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect notification")
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// dialTestChannel spins up a websocket endpoint whose server side is wrapped
// in a Channel attached to obs, and returns the raw client socket plus the
// server-side channel.
func dialTestChannel(t *testing.T, obs interfaces.Observer, opts Options) (*websocket.Conn, *Channel) {
	t.Helper()
	serverSide := make(chan *Channel, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- New(ws, obs, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ch := <-serverSide:
		t.Cleanup(func() { _ = ch.Close() })
		return client, ch
	case <-time.After(2 * time.Second):
		t.Fatal("server side channel never materialized")
		return nil, nil
	}
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env *types.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestInboundDeliveryPreservesOrder(t *testing.T) {
	obs := newRecordingObserver()
	client, _ := dialTestChannel(t, obs, DefaultOptions())

	const n = 20
	for i := 0; i < n; i++ {
		writeEnvelope(t, client, &types.Envelope{Kind: types.KindListSessions, ID: fmt.Sprintf("m%d", i)})
	}
	for i := 0; i < n; i++ {
		env := obs.waitMessage(t)
		if want := fmt.Sprintf("m%d", i); env.ID != want {
			t.Fatalf("message %d arrived as %s", i, env.ID)
		}
	}
}

func TestOutboundSend(t *testing.T) {
	obs := newRecordingObserver()
	client, ch := dialTestChannel(t, obs, DefaultOptions())

	if err := ch.Send(&types.Envelope{Kind: types.KindAck, Identity: 7}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	env, err := types.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != types.KindAck || env.Identity != 7 {
		t.Errorf("received %+v", env)
	}
}

func TestHeartbeatsAreSwallowed(t *testing.T) {
	obs := newRecordingObserver()
	client, _ := dialTestChannel(t, obs, DefaultOptions())

	writeEnvelope(t, client, &types.Envelope{Kind: types.KindHeartbeat})
	writeEnvelope(t, client, &types.Envelope{Kind: types.KindListSessions})

	if env := obs.waitMessage(t); env.Kind != types.KindListSessions {
		t.Errorf("delivered %s, heartbeats should be consumed", env.Kind)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	obs := newRecordingObserver()
	client, _ := dialTestChannel(t, obs, DefaultOptions())

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeEnvelope(t, client, &types.Envelope{Kind: types.KindListSessions})

	if env := obs.waitMessage(t); env.Kind != types.KindListSessions {
		t.Errorf("delivered %s after a malformed frame", env.Kind)
	}
	if n := obs.count.Load(); n != 0 {
		t.Errorf("malformed frame caused %d disconnects", n)
	}
}

func TestDisconnectNotifiedExactlyOnce(t *testing.T) {
	obs := newRecordingObserver()
	client, ch := dialTestChannel(t, obs, DefaultOptions())

	_ = client.Close()
	obs.waitDisconnect(t)

	// Local closure after the remote one must not notify again.
	_ = ch.Close()
	time.Sleep(50 * time.Millisecond)
	if n := obs.count.Load(); n != 1 {
		t.Errorf("disconnect notified %d times, want 1", n)
	}
	if ch.IsOpen() {
		t.Error("channel still reports open")
	}
	if err := ch.Send(&types.Envelope{Kind: types.KindAck}); err != ErrChannelClosed {
		t.Errorf("Send on closed channel = %v, want ErrChannelClosed", err)
	}
}

func TestIdleTimeoutClosesChannel(t *testing.T) {
	obs := newRecordingObserver()
	opts := DefaultOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	_, ch := dialTestChannel(t, obs, opts)

	obs.waitDisconnect(t)
	if ch.IsOpen() {
		t.Error("idle channel still reports open")
	}
}

func TestReattachRedirectsDelivery(t *testing.T) {
	first := newRecordingObserver()
	second := newRecordingObserver()
	client, ch := dialTestChannel(t, first, DefaultOptions())

	writeEnvelope(t, client, &types.Envelope{Kind: types.KindListSessions})
	first.waitMessage(t)

	ch.Reattach(second)
	writeEnvelope(t, client, &types.Envelope{Kind: types.KindLeave})
	if env := second.waitMessage(t); env.Kind != types.KindLeave {
		t.Errorf("second observer received %s", env.Kind)
	}
	select {
	case env := <-first.messages:
		t.Errorf("first observer still receiving: %s", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectGoesToCurrentObserver(t *testing.T) {
	first := newRecordingObserver()
	second := newRecordingObserver()
	client, ch := dialTestChannel(t, first, DefaultOptions())

	ch.Reattach(second)
	_ = client.Close()
	second.waitDisconnect(t)
	if n := first.count.Load(); n != 0 {
		t.Errorf("stale observer notified %d times", n)
	}
}

func TestBindIdentity(t *testing.T) {
	obs := newRecordingObserver()
	_, ch := dialTestChannel(t, obs, DefaultOptions())

	if got := ch.Identity(); got != 0 {
		t.Errorf("unbound identity = %d", got)
	}
	ch.Bind(99)
	if got := ch.Identity(); got != 99 {
		t.Errorf("bound identity = %d, want 99", got)
	}
}
