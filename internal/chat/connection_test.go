package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectIsIdempotent(t *testing.T) {
	env := newEnv(t, nil)
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.connect(t)
	env.connect(t)

	if n := env.tr.handshakeCount(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
	if st := env.svc.Connection.State(); st != StateConnected {
		t.Fatalf("state = %s", st)
	}
	nextEvent(t, sub, EventConnected)
}

func TestBackoffStopsAfterMaxAttempts(t *testing.T) {
	env := newEnv(t, nil)
	env.tr.set(func(f *fakeTransport) { f.handshakeErr = errBoom })
	sub := env.svc.Subscribe()
	defer sub.Close()

	err := env.svc.Connection.Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Attempt != 1 || ce.Terminal {
		t.Fatalf("first connect err = %v", err)
	}

	eventually(t, "connectionFailed state", func() bool {
		return env.svc.Connection.State() == StateConnectionFailed
	})
	events := collect(sub, 100*time.Millisecond)

	if n := env.tr.handshakeCount(); n != 5 {
		t.Fatalf("handshakes = %d, want 5", n)
	}
	if n := count(events, EventConnectionFailed); n != 1 {
		t.Fatalf("connectionFailed published %d times", n)
	}
	if n := count(events, EventConnected); n != 0 {
		t.Fatalf("connected published %d times", n)
	}
}

func TestConnectAfterFailureStartsFreshCycle(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.MaxReconnectAttempts = 2 })
	env.tr.set(func(f *fakeTransport) { f.handshakeErr = errBoom })

	env.svc.Connection.Connect(context.Background())
	eventually(t, "connectionFailed state", func() bool {
		return env.svc.Connection.State() == StateConnectionFailed
	})

	env.tr.set(func(f *fakeTransport) { f.handshakeErr = nil })
	env.connect(t)
	if got := env.svc.Connection.Attempts(); got != 0 {
		t.Fatalf("attempts after success = %d", got)
	}
	if n := env.tr.handshakeCount(); n != 3 {
		t.Fatalf("handshakes = %d, want 3", n)
	}
}

func TestRetrySucceedsAndResetsAttempts(t *testing.T) {
	env := newEnv(t, nil)
	env.tr.set(func(f *fakeTransport) { f.handshakeErr = errBoom })
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.svc.Connection.Connect(context.Background())
	env.tr.set(func(f *fakeTransport) { f.handshakeErr = nil })

	nextEvent(t, sub, EventConnected)
	if got := env.svc.Connection.Attempts(); got != 0 {
		t.Fatalf("attempts = %d", got)
	}
}

func TestDisconnectCancelsRetry(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.ReconnectInterval = 30 * time.Millisecond })
	env.tr.set(func(f *fakeTransport) { f.handshakeErr = errBoom })
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.svc.Connection.Connect(context.Background())
	env.svc.Connection.Disconnect()
	nextEvent(t, sub, EventDisconnected)

	time.Sleep(120 * time.Millisecond)
	if n := env.tr.handshakeCount(); n != 1 {
		t.Fatalf("handshakes after disconnect = %d, want 1", n)
	}
	if st := env.svc.Connection.State(); st != StateDisconnected {
		t.Fatalf("state = %s", st)
	}
}

func TestTransportDropReconnects(t *testing.T) {
	env := newEnv(t, nil)
	env.connect(t)
	sub := env.svc.Subscribe()
	defer sub.Close()

	env.tr.drop(errBoom)

	if e := nextEvent(t, sub, EventDisconnected); e.Error == "" {
		t.Fatal("disconnected event after a drop carries no error")
	}
	nextEvent(t, sub, EventConnected)
	if n := env.tr.handshakeCount(); n != 2 {
		t.Fatalf("handshakes = %d, want 2", n)
	}
}

func TestDisconnectDuringHandshakeClosesLateLink(t *testing.T) {
	env := newEnv(t, nil)
	env.tr.set(func(f *fakeTransport) { f.handshakeDelay = 100 * time.Millisecond })

	errc := make(chan error, 1)
	go func() { errc <- env.svc.Connection.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	env.svc.Connection.Disconnect()

	if err := <-errc; !errors.Is(err, ErrConnectAborted) {
		t.Fatalf("connect err = %v", err)
	}
	// Connect returns only after the late handshake has been handled.
	if env.tr.isOpen() {
		t.Fatal("stale handshake left the link open")
	}
	if st := env.svc.Connection.State(); st != StateDisconnected {
		t.Fatalf("state = %s", st)
	}
}
