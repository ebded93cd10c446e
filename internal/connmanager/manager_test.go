package connmanager

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterGetDeregister(t *testing.T) {
	m := New(nil)
	var cancelled bool
	c := NewConnection(NewID(), "10.0.0.1", 1234, "127.0.0.1", 8000, false, ProtocolHTTP1, func() { cancelled = true })

	m.Register(c)
	if got := m.Get(c.ID); got != c {
		t.Fatalf("Get returned %#v, want %#v", got, c)
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	m.Deregister(c.ID)
	if got := m.Get(c.ID); got != nil {
		t.Fatalf("Get after Deregister = %#v, want nil", got)
	}
	if m.Count() != 0 {
		t.Fatalf("Count after Deregister = %d, want 0", m.Count())
	}
	_ = cancelled
}

func TestCloseIdleCancelsStaleConnections(t *testing.T) {
	m := New(nil)
	var cancelled bool
	c := NewConnection(NewID(), "10.0.0.1", 1, "127.0.0.1", 8000, false, ProtocolHTTP1, func() { cancelled = true })
	m.Register(c)

	closed := m.CloseIdle(time.Now().Add(time.Hour))
	if closed != 1 {
		t.Fatalf("CloseIdle closed = %d, want 1", closed)
	}
	if !cancelled {
		t.Fatal("expected idle connection's app task to be cancelled")
	}
}

func TestCloseIdleLeavesFreshConnections(t *testing.T) {
	m := New(nil)
	c := NewConnection(NewID(), "10.0.0.1", 1, "127.0.0.1", 8000, false, ProtocolHTTP1, func() {})
	m.Register(c)

	closed := m.CloseIdle(time.Now().Add(-time.Hour))
	if closed != 0 {
		t.Fatalf("CloseIdle closed = %d, want 0", closed)
	}
}

type fakeCloser struct {
	gracefulCode int
	aborted      bool
	failGraceful bool
}

func (f *fakeCloser) GracefulClose(ctx context.Context, code int) error {
	f.gracefulCode = code
	if f.failGraceful {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeCloser) Abort() error {
	f.aborted = true
	return nil
}

func TestShutdownGracefullyClosesThenAborts(t *testing.T) {
	m := New(nil)
	id := NewID()
	var cancelled bool
	c := NewConnection(id, "", 0, "", 0, false, ProtocolWebSocket, func() { cancelled = true })
	m.Register(c)

	fc := &fakeCloser{}
	m.RegisterCloser(id, fc)

	m.Shutdown(context.Background(), 50*time.Millisecond)

	if fc.gracefulCode != 1001 {
		t.Fatalf("gracefulCode = %d, want 1001", fc.gracefulCode)
	}
	if !fc.aborted {
		t.Fatal("expected transport to be aborted after graceful close")
	}
	if !cancelled {
		t.Fatal("expected remaining app task to be cancelled")
	}
}

func TestTimerResetExtendsDeadline(t *testing.T) {
	fired := make(chan struct{}, 1)
	tm := NewTimer(30*time.Millisecond, func() { fired <- struct{}{} })

	time.Sleep(15 * time.Millisecond)
	tm.Reset()

	select {
	case <-fired:
		t.Fatal("timer fired before the reset deadline")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer never fired after reset")
	}
}

func TestTimerDisabledNeverFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	tm := NewTimer(0, func() { fired <- struct{}{} })
	tm.Reset()

	select {
	case <-fired:
		t.Fatal("disabled timer must never fire")
	case <-time.After(20 * time.Millisecond):
	}
}
