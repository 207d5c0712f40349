package chat

import (
	"context"

	"github.com/rs/zerolog"
)

// MessageStore is the per-room message log. Appends and deletes share the
// room lock with the Dispatcher so unread tallies stay in step with the log.
type MessageStore struct {
	repo     MessageRepository
	registry *Registry
	locks    *roomLocks
	bus      *EventBus
	logger   zerolog.Logger
}

func NewMessageStore(repo MessageRepository, registry *Registry, locks *roomLocks, bus *EventBus, logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		repo:     repo,
		registry: registry,
		locks:    locks,
		bus:      bus,
		logger:   logger.With().Str("component", "message_store").Logger(),
	}
}

// Append adds m to the end of the room's log. Callers hold the room lock.
func (s *MessageStore) Append(ctx context.Context, roomID string, m Message) error {
	return s.repo.Append(ctx, roomID, m)
}

// List returns the room's messages in append order.
func (s *MessageStore) List(ctx context.Context, roomID string) ([]Message, error) {
	return s.repo.List(ctx, roomID)
}

func (s *MessageStore) Get(ctx context.Context, roomID, messageID string) (Message, error) {
	return s.repo.Get(ctx, roomID, messageID)
}

// Delete removes a message and reports whether it existed. A removed
// message that still counted as unread is taken off the recipients' tallies.
func (s *MessageStore) Delete(ctx context.Context, roomID, messageID string) (bool, error) {
	unlock := s.locks.lock(roomID)
	defer unlock()

	m, ok, err := s.repo.Delete(ctx, roomID, messageID)
	if err != nil || !ok {
		return false, err
	}

	room, err := s.registry.Get(ctx, roomID)
	if err == nil {
		if countsAsUnread(m.Status) {
			_, err = s.registry.adjustUnread(ctx, roomID, room.Participants.Recipients(m.SenderID), -1)
		}
		if err == nil && room.LastMessageID == messageID {
			err = s.relinkLast(ctx, roomID)
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Str("message_id", messageID).Msg("room bookkeeping after delete failed")
	}

	s.bus.Publish(Event{Type: EventMessageDeleted, RoomID: roomID, MessageID: messageID})
	return true, nil
}

// relinkLast points LastMessageID at the newest remaining message.
func (s *MessageStore) relinkLast(ctx context.Context, roomID string) error {
	log, err := s.repo.List(ctx, roomID)
	if err != nil {
		return err
	}
	last := ""
	if len(log) > 0 {
		last = log[len(log)-1].ID
	}
	_, err = s.registry.repo.Update(ctx, roomID, func(r *ChatRoom) {
		r.LastMessageID = last
	})
	return err
}

// countsAsUnread reports whether a message in status st is part of a
// recipient's unread tally.
func countsAsUnread(st MessageStatus) bool {
	return st.Pending()
}
