package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nbcon-chat/internal/metrics"
)

type typingEntry struct {
	indicator TypingIndicator
	timer     *time.Timer
	gen       uint64
}

// TypingTracker holds ephemeral typing state keyed by (room, user). Each
// typing user has exactly one expiry timer; a new SetTyping replaces it.
type TypingTracker struct {
	ttl    time.Duration
	bus    *EventBus
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	seq   uint64
	rooms map[string]map[string]*typingEntry
}

func NewTypingTracker(ttl time.Duration, bus *EventBus, logger zerolog.Logger) *TypingTracker {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &TypingTracker{
		ttl:    ttl,
		bus:    bus,
		logger: logger.With().Str("component", "typing").Logger(),
		now:    time.Now,
		rooms:  make(map[string]map[string]*typingEntry),
	}
}

// SetTyping records whether userID is typing in roomID and publishes the
// indicator. isTyping=true (re)arms the expiry timer.
func (t *TypingTracker) SetTyping(roomID, userID, userName string, isTyping bool) TypingIndicator {
	metrics.TypingEvents.WithLabelValues("user").Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(roomID, userID, userName, isTyping)
}

// set updates the entry and publishes. Callers hold t.mu.
func (t *TypingTracker) set(roomID, userID, userName string, isTyping bool) TypingIndicator {
	users := t.rooms[roomID]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.rooms[roomID] = users
	}
	e := users[userID]
	if e == nil {
		e = &typingEntry{}
		users[userID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	t.seq++
	e.gen = t.seq
	e.indicator = TypingIndicator{UserID: userID, UserName: userName, IsTyping: isTyping, Timestamp: t.now()}

	if isTyping {
		gen := e.gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(roomID, userID, gen) })
	} else {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.rooms, roomID)
		}
	}

	ind := e.indicator
	t.bus.Publish(Event{Type: EventTypingIndicator, RoomID: roomID, Typing: &ind})
	return ind
}

func (t *TypingTracker) expire(roomID, userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.rooms[roomID][userID]
	if e == nil || e.gen != gen {
		return
	}
	metrics.TypingEvents.WithLabelValues("expiry").Inc()
	t.logger.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("typing indicator expired")
	t.set(roomID, userID, e.indicator.UserName, false)
}

// ListTyping returns the users currently typing in roomID, oldest first.
func (t *TypingTracker) ListTyping(roomID string) []TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TypingIndicator, 0, len(t.rooms[roomID]))
	for _, e := range t.rooms[roomID] {
		if e.indicator.IsTyping {
			out = append(out, e.indicator)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Close stops every pending expiry timer.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, users := range t.rooms {
		for _, e := range users {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		delete(t.rooms, roomID)
	}
}
