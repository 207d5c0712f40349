package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/chat"
	"nbcon-chat/internal/metrics"
)

// Forward copies every event from src onto feed until the bus stops. It is
// the single-instance path from the core's bus to the UI stream.
func Forward(src chat.EventSource, feed *chat.EventBus) {
	drain(src, func(e chat.Event) { feed.Publish(e) })
}

// drain hands every event of src to fn, subscribing again whenever the bus
// drops the subscription, and returns once the bus has stopped.
func drain(src chat.EventSource, fn func(chat.Event)) {
	for {
		sub := src.Subscribe()
		for e := range sub.C {
			fn(e)
		}
		sub.Close()
		select {
		case <-src.Done():
			return
		default:
		}
	}
}

type envelope struct {
	Origin string     `json:"origin"`
	Event  chat.Event `json:"event"`
}

// publisher is the part of *redis.Client the relay publishes through.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis fans events out through a Redis channel so every host instance's
// UI stream sees them, including its own.
type Redis struct {
	client    *redis.Client
	pub       publisher
	channel   string
	origin    string
	queueSize int
	logger    zerolog.Logger
}

func NewRedis(client *redis.Client, channel string, logger zerolog.Logger) *Redis {
	origin := uuid.NewString()
	return &Redis{
		client:    client,
		pub:       client,
		channel:   channel,
		origin:    origin,
		queueSize: 1024,
		logger:    logger.With().Str("component", "redis_relay").Str("origin", origin).Logger(),
	}
}

// Publish sends every event from src to Redis until the bus stops. PUBLISH
// runs on its own goroutine; events that find the queue full are dropped.
func (r *Redis) Publish(ctx context.Context, src chat.EventSource) {
	queue := make(chan chat.Event, r.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range queue {
			r.send(ctx, e)
		}
	}()

	drain(src, func(e chat.Event) {
		select {
		case queue <- e:
		default:
			metrics.RelayedEvents.WithLabelValues("dropped").Inc()
			r.logger.Warn().Str("event", string(e.Type)).Msg("relay queue full, dropping event")
		}
	})
	close(queue)
	<-done
}

func (r *Redis) send(ctx context.Context, e chat.Event) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: e})
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(e.Type)).Msg("encoding event")
		return
	}
	if err := r.pub.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.RelayedEvents.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("event", string(e.Type)).Msg("❌ redis publish")
		return
	}
	metrics.RelayedEvents.WithLabelValues("ok").Inc()
}

// Listen feeds events received from Redis into feed until ctx is done.
func (r *Redis) Listen(ctx context.Context, feed *chat.EventBus) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	r.logger.Info().Str("channel", r.channel).Msg("📡 listening for relayed events")
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Msg("dropping malformed relay payload")
				continue
			}
			if env.Origin != r.origin {
				r.logger.Debug().Str("from", env.Origin).Str("event", string(env.Event.Type)).Msg("remote event")
			}
			feed.Publish(env.Event)
		case <-ctx.Done():
			return
		}
	}
}
