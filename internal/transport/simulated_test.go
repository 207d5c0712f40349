package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
)

func TestSimulatedHandshakeFaults(t *testing.T) {
	s := NewSimulated(SimulatedConfig{})
	s.FailHandshakes(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Handshake(ctx); !errors.Is(err, ErrHandshakeRefused) {
			t.Fatalf("handshake %d = %v", i, err)
		}
	}
	if err := s.Handshake(ctx); err != nil {
		t.Fatalf("third handshake = %v", err)
	}
	if s.Handshakes() != 3 {
		t.Fatalf("handshakes = %d", s.Handshakes())
	}
}

func TestSimulatedTransmitNeedsLink(t *testing.T) {
	s := NewSimulated(SimulatedConfig{})
	ctx := context.Background()
	if err := s.Transmit(ctx, "r", chat.Message{ID: "m"}); !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("transmit before handshake = %v", err)
	}

	s.Handshake(ctx)
	s.FailWhen(func(m chat.Message) error {
		if m.Content == "bad" {
			return ErrTransmitFailed
		}
		return nil
	})
	if err := s.Transmit(ctx, "r", chat.Message{ID: "m", Content: "good"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Transmit(ctx, "r", chat.Message{ID: "m", Content: "bad"}); !errors.Is(err, ErrTransmitFailed) {
		t.Fatalf("faulted transmit = %v", err)
	}
}

func TestSimulatedDelaysHonourContext(t *testing.T) {
	s := NewSimulated(SimulatedConfig{SentDelay: time.Second})
	s.Handshake(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Transmit(ctx, "r", chat.Message{ID: "m"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestSimulatedDropReconnects(t *testing.T) {
	s := NewSimulated(SimulatedConfig{})
	cfg := chat.DefaultConfig()
	cfg.ReconnectInterval = 10 * time.Millisecond
	svc := chat.NewService(cfg, chat.Deps{Transport: s, Logger: zerolog.Nop()})
	svc.Start(context.Background())
	defer svc.Close()

	if err := svc.Connection.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Drop(errors.New("network gone"))

	deadline := time.Now().Add(2 * time.Second)
	for s.Handshakes() < 2 || !svc.Connection.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("not reconnected: state %s, handshakes %d", svc.Connection.State(), s.Handshakes())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
