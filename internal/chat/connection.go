package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nbcon-chat/internal/metrics"
)

// Transport is the wire the core talks through. Implementations must honour
// ctx cancellation on every call.
type Transport interface {
	Handshake(ctx context.Context) error
	// Transmit hands m to the remote side; it returns once the remote has
	// accepted the message (status sent).
	Transmit(ctx context.Context, roomID string, m Message) error
	// AwaitDelivery blocks until the remote reports the message delivered.
	AwaitDelivery(ctx context.Context, roomID, messageID string) error
	Close() error
}

// DropNotifier is implemented by transports that can lose an established
// connection on their own.
type DropNotifier interface {
	NotifyDrop(fn func(err error))
}

type ConnState string

const (
	StateDisconnected     ConnState = "disconnected"
	StateConnecting       ConnState = "connecting"
	StateConnected        ConnState = "connected"
	StateConnectionFailed ConnState = "connectionFailed"
)

var allStates = []ConnState{StateDisconnected, StateConnecting, StateConnected, StateConnectionFailed}

type ConnectionConfig struct {
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HandshakeTimeout     time.Duration
}

// attempt is one handshake; concurrent Connect calls wait on the same one.
type attempt struct {
	gen  uint64
	done chan struct{}
	once sync.Once
	err  error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// ConnectionManager owns the transport lifecycle and the bounded reconnect
// policy.
type ConnectionManager struct {
	transport Transport
	bus       *EventBus
	cfg       ConnectionConfig
	logger    zerolog.Logger

	mu       sync.Mutex
	state    ConnState
	attempts int
	gen      uint64 // bumped by Disconnect; older attempts and timers are stale
	inflight *attempt
	retry    *time.Timer
}

func NewConnectionManager(transport Transport, bus *EventBus, cfg ConnectionConfig, logger zerolog.Logger) *ConnectionManager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	c := &ConnectionManager{
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "connection").Logger(),
		state:     StateDisconnected,
	}
	if dn, ok := transport.(DropNotifier); ok {
		dn.NotifyDrop(c.onDrop)
	}
	c.setGauge(StateDisconnected)
	return c
}

// Connect performs a handshake unless already connected. A failed attempt
// schedules the next one after ReconnectInterval until MaxReconnectAttempts
// is reached; the returned *ConnectionError says whether that happened.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		a := c.inflight
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateConnectionFailed:
		c.attempts = 0
	}
	c.stopRetry()
	a := c.begin()
	c.mu.Unlock()

	c.run(ctx, a)
	return a.err
}

// begin moves to connecting. Callers hold c.mu.
func (c *ConnectionManager) begin() *attempt {
	a := &attempt{gen: c.gen, done: make(chan struct{})}
	c.inflight = a
	c.setState(StateConnecting)
	return a
}

func (c *ConnectionManager) run(ctx context.Context, a *attempt) {
	hctx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	err := c.transport.Handshake(hctx)

	c.mu.Lock()
	if a.gen != c.gen {
		// A link opened after Disconnect is closed again unless a newer
		// attempt already owns the transport.
		closeLink := err == nil && c.inflight == nil && c.state != StateConnected
		c.mu.Unlock()

		c.logger.Debug().Err(err).Msg("discarding handshake finished after disconnect")
		if closeLink {
			if cerr := c.transport.Close(); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("closing stale link")
			}
		}
		a.finish(ErrConnectAborted)
		return
	}
	defer c.mu.Unlock()
	c.inflight = nil

	if err == nil {
		metrics.ConnectionAttempts.WithLabelValues("success").Inc()
		c.attempts = 0
		c.setState(StateConnected)
		c.logger.Info().Msg("🟢 connected")
		c.bus.Publish(Event{Type: EventConnected})
		a.finish(nil)
		return
	}

	metrics.ConnectionAttempts.WithLabelValues("failure").Inc()
	c.attempts++
	cerr := &ConnectionError{Attempt: c.attempts, Err: err}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		cerr.Terminal = true
		c.setState(StateConnectionFailed)
		c.logger.Error().Err(err).Int("attempt", c.attempts).Msg("🔴 giving up on connection")
		c.bus.Publish(Event{Type: EventConnectionFailed, Attempt: c.attempts, Error: cerr.Error()})
		a.finish(cerr)
		return
	}

	c.setState(StateDisconnected)
	c.scheduleRetry()
	c.logger.Warn().Err(err).Int("attempt", c.attempts).Dur("retry_in", c.cfg.ReconnectInterval).Msg("connection attempt failed")
	a.finish(cerr)
}

// scheduleRetry arms the reconnect timer. Callers hold c.mu.
func (c *ConnectionManager) scheduleRetry() {
	gen := c.gen
	c.retry = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		a := c.begin()
		c.mu.Unlock()

		c.run(context.Background(), a)
	})
}

func (c *ConnectionManager) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// Disconnect cancels any pending attempt or retry and closes the transport.
func (c *ConnectionManager) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopRetry()
	inflight := c.inflight
	c.inflight = nil
	c.attempts = 0
	c.setState(StateDisconnected)
	c.bus.Publish(Event{Type: EventDisconnected})
	c.mu.Unlock()

	if inflight != nil {
		inflight.finish(ErrConnectAborted)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing transport")
	}
	c.logger.Info().Msg("🔌 disconnected")
}

func (c *ConnectionManager) onDrop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return
	}
	c.attempts = 0
	c.setState(StateDisconnected)
	c.scheduleRetry()
	c.logger.Warn().Err(err).Msg("transport dropped, reconnecting")

	e := Event{Type: EventDisconnected}
	if err != nil {
		e.Error = err.Error()
	}
	c.bus.Publish(e)
}

func (c *ConnectionManager) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of consecutive failed handshakes.
func (c *ConnectionManager) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *ConnectionManager) setState(s ConnState) {
	c.state = s
	c.setGauge(s)
}

func (c *ConnectionManager) setGauge(current ConnState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
