package chat

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nbcon-chat/internal/metrics"
)

// Registry creates and looks up chat rooms. There is one room per job.
type Registry struct {
	repo   RoomRepository
	bus    *EventBus
	logger zerolog.Logger
	now    func() time.Time
}

func NewRegistry(repo RoomRepository, bus *EventBus, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

// CreateRoom returns the room for req.JobID, creating it on first use.
// chatRoomCreated is published only when the room is new.
func (r *Registry) CreateRoom(ctx context.Context, req NewRoom) (ChatRoom, error) {
	if strings.TrimSpace(req.JobID) == "" || req.ClientID == "" || req.EngineerID == "" {
		return ChatRoom{}, ErrInvalidRoom
	}

	now := r.now()
	room := ChatRoom{
		ID:       RoomID(req.JobID),
		JobID:    req.JobID,
		JobTitle: req.JobTitle,
		Participants: Participants{
			ClientID:     req.ClientID,
			ClientName:   req.ClientName,
			EngineerID:   req.EngineerID,
			EngineerName: req.EngineerName,
		},
		Unread:    map[string]uint{req.ClientID: 0, req.EngineerID: 0},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, created, err := r.repo.Insert(ctx, room)
	if err != nil {
		return ChatRoom{}, err
	}
	if created {
		metrics.RoomsCreated.Inc()
		r.logger.Info().Str("room_id", stored.ID).Str("job_id", stored.JobID).Msg("chat room created")
		snapshot := stored.clone()
		r.bus.Publish(Event{Type: EventChatRoomCreated, RoomID: stored.ID, Room: &snapshot})
	}
	return stored, nil
}

func (r *Registry) Get(ctx context.Context, roomID string) (ChatRoom, error) {
	return r.repo.Get(ctx, roomID)
}

// ListForUser returns every room userID participates in. Order is unspecified.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]ChatRoom, error) {
	return r.repo.ListForUser(ctx, userID)
}

// adjustUnread adds delta to each listed participant's tally, never going
// below zero.
func (r *Registry) adjustUnread(ctx context.Context, roomID string, userIDs []string, delta int) (ChatRoom, error) {
	return r.repo.Update(ctx, roomID, func(room *ChatRoom) {
		if room.Unread == nil {
			room.Unread = map[string]uint{}
		}
		for _, id := range userIDs {
			n := int(room.Unread[id]) + delta
			if n < 0 {
				n = 0
			}
			room.Unread[id] = uint(n)
		}
	})
}
