// Package channel implements the duplex ordered message connection between a
// peer and the directory or a session, over a websocket transport.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// Options bound a channel's timing and buffering.
type Options struct {
	// IdleTimeout is the read-idle liveness window: no inbound traffic
	// within it closes the channel. Heartbeats refresh it. Zero disables
	// the deadline (peers rely on their own heartbeats instead).
	IdleTimeout time.Duration
	// WriteTimeout bounds a single outbound frame write and the wait for
	// buffer space in Send.
	WriteTimeout time.Duration
	// SendBuffer is the outbound queue capacity.
	SendBuffer int
}

// DefaultOptions mirror the server defaults.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:  20 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   100,
	}
}

// Channel owns exactly one send path and one receive path over a websocket.
// Outbound writes are serialized through a single writer goroutine; inbound
// envelopes are decoded by a single reader goroutine and handed, in send
// order, to the currently attached observer. Transport failure surfaces as a
// single OnDisconnect callback to whichever observer is attached at the time.
type Channel struct {
	conn    *websocket.Conn
	writeCh chan *types.Envelope
	opts    Options

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	open      atomic.Bool

	obsMu    sync.RWMutex
	observer interfaces.Observer

	identity atomic.Uint32

	notifyOnce sync.Once
}

// New wraps an upgraded websocket connection and starts its reader and
// writer goroutines. The observer receives all inbound traffic until the
// channel is reattached.
func New(conn *websocket.Conn, obs interfaces.Observer, opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:     conn,
		writeCh:  make(chan *types.Envelope, opts.SendBuffer),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		observer: obs,
	}
	c.open.Store(true)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send enqueues an envelope for asynchronous delivery. It fails if the
// channel is closed or the outbound buffer stays full past the write timeout.
func (c *Channel) Send(env *types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return ErrChannelClosed
	default:
	}
	select {
	case c.writeCh <- env:
		return nil
	case <-time.After(c.opts.WriteTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// IsOpen reports transport liveness.
func (c *Channel) IsOpen() bool {
	return c.open.Load()
}

// Reattach atomically redirects future inbound deliveries, moving the
// channel between directory scope and session scope.
func (c *Channel) Reattach(obs interfaces.Observer) {
	c.obsMu.Lock()
	c.observer = obs
	c.obsMu.Unlock()
}

// Bind associates the registered identity with the channel.
func (c *Channel) Bind(id types.Identity) {
	c.identity.Store(uint32(id))
}

// Identity returns the bound identity, zero if unregistered.
func (c *Channel) Identity() types.Identity {
	return types.Identity(c.identity.Load())
}

// Close tears down the transport. The reader goroutine observes the closed
// socket and fires the disconnect notification, so local and remote closure
// take the same path.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) currentObserver() interfaces.Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.observer
}

// writeLoop is the single writer; websocket writes must never interleave.
func (c *Channel) writeLoop() {
	for {
		select {
		case env := <-c.writeCh:
			data, err := env.Encode()
			if err != nil {
				log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("drop unencodable envelope")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop decodes inbound frames and delivers them to the current observer.
// The read deadline is reset on every frame; heartbeats therefore keep the
// channel alive and are consumed here rather than delivered.
func (c *Channel) readLoop() {
	defer c.notifyDisconnect()
	for {
		deadline := time.Time{}
		if c.opts.IdleTimeout > 0 {
			deadline = time.Now().Add(c.opts.IdleTimeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Uint32("identity", uint32(c.Identity())).Msg("channel read failed")
			}
			return
		}
		env, err := types.Decode(data)
		if err != nil {
			// Protocol errors are not fatal: log, drop, keep reading.
			log.Warn().Err(err).Uint32("identity", uint32(c.Identity())).Msg("drop malformed message")
			continue
		}
		if env.Kind == types.KindHeartbeat {
			continue
		}
		c.currentObserver().OnMessage(c, env)
	}
}

// notifyDisconnect marks the channel closed and informs the current observer
// exactly once, regardless of who initiated closure.
func (c *Channel) notifyDisconnect() {
	c.notifyOnce.Do(func() {
		c.open.Store(false)
		c.cancel()
		_ = c.conn.Close()
		c.currentObserver().OnDisconnect(c)
	})
}
