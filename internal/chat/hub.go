package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nbcon-chat/internal/metrics"
)

type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventConnectionFailed EventType = "connectionFailed"
	EventChatRoomCreated  EventType = "chatRoomCreated"
	EventMessageSent      EventType = "messageSent"
	EventMessageDelivered EventType = "messageDelivered" // carries status sent or delivered
	EventMessageFailed    EventType = "messageFailed"
	EventMessagesRead     EventType = "messagesRead"
	EventMessageDeleted   EventType = "messageDeleted"
	EventTypingIndicator  EventType = "typingIndicator"
)

// Event is the unit published on the EventBus. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType        `json:"type"`
	RoomID    string           `json:"room_id,omitempty"`
	Room      *ChatRoom        `json:"room,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	ViewerID  string           `json:"viewer_id,omitempty"`
	Typing    *TypingIndicator `json:"typing,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Subscription is a live feed of events. C is closed when the subscription
// is closed, when the bus stops, or when the subscriber falls behind.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *EventBus
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.bus.unregister <- s:
		case <-s.bus.done:
		}
	})
}

// EventBus fans events out to subscribers.
// Run owns the subscriber set; the channels are the only way in.
type EventBus struct {
	subscribers map[*Subscription]bool

	publish    chan Event
	register   chan *Subscription
	unregister chan *Subscription
	done       chan struct{}

	logger zerolog.Logger
}

func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[*Subscription]bool),
		publish:     make(chan Event),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "event_bus").Logger(),
	}
}

// Run processes registrations and publications until ctx is cancelled.
func (b *EventBus) Run(ctx context.Context) {
	defer func() {
		for s := range b.subscribers {
			close(s.ch)
			delete(b.subscribers, s)
		}
		close(b.done)
	}()

	for {
		select {
		case s := <-b.register:
			b.subscribers[s] = true

		case s := <-b.unregister:
			if _, ok := b.subscribers[s]; ok {
				delete(b.subscribers, s)
				close(s.ch)
			}

		case e := <-b.publish:
			metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
			for s := range b.subscribers {
				select {
				case s.ch <- e:
				default:
					// Slow subscriber: drop it rather than stall every publisher.
					close(s.ch)
					delete(b.subscribers, s)
					metrics.SubscribersDropped.Inc()
					b.logger.Warn().Str("event", string(e.Type)).Msg("dropped slow subscriber")
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. Events
// published after Subscribe returns are delivered in publication order.
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	select {
	case b.register <- s:
	case <-b.done:
		close(ch)
	}
	return s
}

// Publish hands e to the bus. It returns without delivering once the bus
// has stopped.
func (b *EventBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.publish <- e:
	case <-b.done:
	}
}

// Done is closed after Run returns.
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}

// EventSource hands out subscriptions to a running bus. Long-lived consumers
// take one instead of a single Subscription so they can subscribe again
// after falling behind.
type EventSource interface {
	Subscribe() *Subscription
	// Done is closed once the bus has stopped.
	Done() <-chan struct{}
}
