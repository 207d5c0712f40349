package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"nbcon-chat/internal/chat"
)

var (
	ErrHandshakeRefused = errors.New("simulated handshake refused")
	ErrTransmitFailed   = errors.New("simulated transmit failure")
)

type SimulatedConfig struct {
	HandshakeDelay time.Duration
	SentDelay      time.Duration
	DeliveredDelay time.Duration
	// FailureRate is the probability in [0,1] that a transmit fails.
	FailureRate float64
}

// Simulated is an in-process transport with staged delays. It stands in for
// the real backend in development, load runs and tests.
type Simulated struct {
	cfg SimulatedConfig

	mu             sync.Mutex
	open           bool
	handshakes     int
	failHandshakes int
	failWhen       func(chat.Message) error
	onDrop         func(error)
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	return &Simulated{cfg: cfg}
}

func (s *Simulated) Handshake(ctx context.Context) error {
	if err := sleep(ctx, s.cfg.HandshakeDelay); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handshakes++
	if s.failHandshakes > 0 {
		s.failHandshakes--
		return ErrHandshakeRefused
	}
	s.open = true
	return nil
}

func (s *Simulated) Transmit(ctx context.Context, roomID string, m chat.Message) error {
	if err := sleep(ctx, s.cfg.SentDelay); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return chat.ErrNotConnected
	}
	if s.failWhen != nil {
		if err := s.failWhen(m); err != nil {
			return err
		}
	}
	if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
		return ErrTransmitFailed
	}
	return nil
}

func (s *Simulated) AwaitDelivery(ctx context.Context, roomID, messageID string) error {
	if err := sleep(ctx, s.cfg.DeliveredDelay); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return chat.ErrNotConnected
	}
	return nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *Simulated) NotifyDrop(fn func(error)) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// FailHandshakes makes the next n handshakes fail.
func (s *Simulated) FailHandshakes(n int) {
	s.mu.Lock()
	s.failHandshakes = n
	s.mu.Unlock()
}

// FailWhen installs a per-message fault: a non-nil return fails the transmit.
func (s *Simulated) FailWhen(fn func(chat.Message) error) {
	s.mu.Lock()
	s.failWhen = fn
	s.mu.Unlock()
}

// Drop closes the link as if the network went away.
func (s *Simulated) Drop(err error) {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	fn := s.onDrop
	s.mu.Unlock()

	if wasOpen && fn != nil {
		fn(err)
	}
}

// Handshakes counts every handshake attempt, successful or not.
func (s *Simulated) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
