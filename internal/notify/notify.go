package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
	"nbcon-chat/internal/metrics"
)

// Notification is what the push service needs to alert a recipient.
type Notification struct {
	RoomID       string   `json:"room_id"`
	MessageID    string   `json:"message_id"`
	RecipientIDs []string `json:"recipient_ids"`
	SenderName   string   `json:"sender_name"`
	Content      string   `json:"content"`
	JobTitle     string   `json:"job_title"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the default when no
// push backend is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("room_id", note.RoomID).
		Strs("recipients", note.RecipientIDs).
		Str("sender", note.SenderName).
		Str("job_title", note.JobTitle).
		Msg("🔔 new message")
	return nil
}

// RedisNotifier publishes notifications as JSON on a channel the push
// service consumes.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// RoomLookup is the slice of the registry the hook needs.
type RoomLookup interface {
	Get(ctx context.Context, roomID string) (chat.ChatRoom, error)
}

// Hook calls the Notifier after every messageSent. Failures are logged and
// never reach the chat state.
type Hook struct {
	rooms     RoomLookup
	notifier  Notifier
	timeout   time.Duration
	queueSize int
	logger    zerolog.Logger
}

func NewHook(rooms RoomLookup, notifier Notifier, logger zerolog.Logger) *Hook {
	return &Hook{
		rooms:     rooms,
		notifier:  notifier,
		timeout:   5 * time.Second,
		queueSize: 256,
		logger:    logger.With().Str("component", "notify_hook").Logger(),
	}
}

// Run notifies from a worker fed by src until the bus stops. The reading
// side never waits on the Notifier: a full queue drops the notification.
func (h *Hook) Run(src chat.EventSource) {
	queue := make(chan chat.Event, h.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range queue {
			h.handle(e)
		}
	}()

	for {
		h.consume(src.Subscribe(), queue)
		select {
		case <-src.Done():
			close(queue)
			<-done
			h.logger.Info().Msg("notify hook stopped")
			return
		default:
			h.logger.Warn().Msg("notify hook fell behind the bus, subscribing again")
		}
	}
}

func (h *Hook) consume(sub *chat.Subscription, queue chan<- chat.Event) {
	defer sub.Close()
	for e := range sub.C {
		if e.Type != chat.EventMessageSent || e.Message == nil {
			continue
		}
		select {
		case queue <- e:
		default:
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			h.logger.Warn().Str("room_id", e.RoomID).Str("message_id", e.Message.ID).Msg("notification queue full, dropping")
		}
	}
}

func (h *Hook) handle(e chat.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	m := e.Message
	note := Notification{
		RoomID:     e.RoomID,
		MessageID:  m.ID,
		SenderName: m.SenderName,
		Content:    m.Content,
	}
	if room, err := h.rooms.Get(ctx, e.RoomID); err == nil {
		note.JobTitle = room.JobTitle
		note.RecipientIDs = room.Participants.Recipients(m.SenderID)
	}

	if err := h.notifier.Notify(ctx, note); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		h.logger.Warn().Err(err).Str("room_id", e.RoomID).Str("message_id", m.ID).Msg("notification failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}
