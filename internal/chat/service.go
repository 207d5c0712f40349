package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HandshakeTimeout     time.Duration
	TypingTTL            time.Duration
	SendTimeout          time.Duration
	SubscriberBuffer     int
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectInterval:    5 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		TypingTTL:            3 * time.Second,
		SendTimeout:          30 * time.Second,
		SubscriberBuffer:     256,
	}
}

// Deps are the collaborators the core does not own. Nil repositories fall
// back to the in-memory ones.
type Deps struct {
	Rooms     RoomRepository
	Messages  MessageRepository
	Transport Transport
	Uploader  Uploader
	Logger    zerolog.Logger
}

// Service wires the chat components together. Build one per process (or per
// test) with NewService, call Start, and Close on shutdown.
type Service struct {
	Bus        *EventBus
	Connection *ConnectionManager
	Rooms      *Registry
	Messages   *MessageStore
	Typing     *TypingTracker
	Dispatcher *Dispatcher

	cfg    Config
	cancel context.CancelFunc
	logger zerolog.Logger
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Rooms == nil {
		deps.Rooms = NewMemoryRoomRepository()
	}
	if deps.Messages == nil {
		deps.Messages = NewMemoryMessageRepository()
	}

	logger := deps.Logger
	bus := NewEventBus(logger)
	locks := newRoomLocks()

	conn := NewConnectionManager(deps.Transport, bus, ConnectionConfig{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectInterval:    cfg.ReconnectInterval,
		HandshakeTimeout:     cfg.HandshakeTimeout,
	}, logger)
	registry := NewRegistry(deps.Rooms, bus, logger)
	store := NewMessageStore(deps.Messages, registry, locks, bus, logger)

	return &Service{
		Bus:        bus,
		Connection: conn,
		Rooms:      registry,
		Messages:   store,
		Typing:     NewTypingTracker(cfg.TypingTTL, bus, logger),
		Dispatcher: NewDispatcher(registry, store, conn, deps.Transport, deps.Uploader, locks, bus, cfg.SendTimeout, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs the event bus. It must be called before any other operation.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.Bus.Run(ctx)
	s.logger.Info().Msg("🚀 chat service started")
}

// Subscribe opens an event feed with the configured buffer.
func (s *Service) Subscribe() *Subscription {
	return s.Bus.Subscribe(s.cfg.SubscriberBuffer)
}

// Done is closed once the service's bus has stopped.
func (s *Service) Done() <-chan struct{} {
	return s.Bus.Done()
}

// Close disconnects, settles in-flight messages and stops the bus.
func (s *Service) Close() {
	s.Connection.Disconnect()
	s.Dispatcher.Close()
	s.Typing.Close()
	if s.cancel != nil {
		s.cancel()
		<-s.Bus.Done()
	}
	s.logger.Info().Msg("chat service stopped")
}
