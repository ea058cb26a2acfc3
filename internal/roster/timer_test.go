package roster

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	fired := make(chan struct{})
	Schedule(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	var fired atomic.Bool
	rt := Schedule(20*time.Millisecond, func() { fired.Store(true) })
	rt.Cancel()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	rt := Schedule(time.Hour, func() {})
	rt.Cancel()
	rt.Cancel()
}

func TestParticipantConnected(t *testing.T) {
	p := NewParticipant(1, "alice", nil)
	if p.Connected() {
		t.Error("participant without a channel reports connected")
	}
	p.SetSession(4)
	if p.Session() != 4 {
		t.Errorf("session = %d, want 4", p.Session())
	}
	ghost := p.Ghost()
	if ghost.Identity != 1 || ghost.Conn() != nil || ghost.Session() != 0 {
		t.Errorf("ghost identity=%d conn=%v session=%d", ghost.Identity, ghost.Conn(), ghost.Session())
	}
}
