package chat

import (
	"context"
	"strings"
	"sync"
)

// MemoryRoomRepository keeps rooms for the lifetime of the process.
type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]*ChatRoom
}

func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{rooms: make(map[string]*ChatRoom)}
}

func (r *MemoryRoomRepository) Insert(_ context.Context, room ChatRoom) (ChatRoom, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rooms[room.ID]; ok {
		return existing.clone(), false, nil
	}
	stored := room.clone()
	r.rooms[room.ID] = &stored
	return stored.clone(), true, nil
}

func (r *MemoryRoomRepository) Get(_ context.Context, roomID string) (ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ChatRoom{}, ErrRoomNotFound
	}
	return room.clone(), nil
}

func (r *MemoryRoomRepository) ListForUser(_ context.Context, userID string) ([]ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ChatRoom
	for _, room := range r.rooms {
		if room.Participants.Has(userID) {
			out = append(out, room.clone())
		}
	}
	return out, nil
}

func (r *MemoryRoomRepository) Update(_ context.Context, roomID string, fn func(*ChatRoom)) (ChatRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ChatRoom{}, ErrRoomNotFound
	}
	next := room.clone()
	fn(&next)
	r.rooms[roomID] = &next
	return next.clone(), nil
}

// MemoryMessageRepository keeps one slice per room; the slice index is the
// append order.
type MemoryMessageRepository struct {
	mu    sync.RWMutex
	logs  map[string][]*Message
	index map[string]*Message // message id -> entry
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		logs:  make(map[string][]*Message),
		index: make(map[string]*Message),
	}
}

func (r *MemoryMessageRepository) Append(_ context.Context, roomID string, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.RoomID = roomID
	entry := &m
	r.logs[roomID] = append(r.logs[roomID], entry)
	r.index[m.ID] = entry
	return nil
}

func (r *MemoryMessageRepository) List(_ context.Context, roomID string) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.logs[roomID]
	out := make([]Message, len(log))
	for i, m := range log {
		out[i] = *m
	}
	return out, nil
}

func (r *MemoryMessageRepository) lookup(roomID, messageID string) (*Message, bool) {
	m, ok := r.index[messageID]
	if !ok || m.RoomID != roomID {
		return nil, false
	}
	return m, true
}

func (r *MemoryMessageRepository) Get(_ context.Context, roomID, messageID string) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.lookup(roomID, messageID)
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

func (r *MemoryMessageRepository) SetStatus(_ context.Context, roomID, messageID string, to MessageStatus) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.lookup(roomID, messageID)
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	prev := *m
	if !CanTransition(m.Status, to) {
		return prev, ErrInvalidTransition
	}
	m.Status = to
	return prev, nil
}

func (r *MemoryMessageRepository) Delete(_ context.Context, roomID, messageID string) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.lookup(roomID, messageID)
	if !ok {
		return Message{}, false, nil
	}
	log := r.logs[roomID]
	for i, entry := range log {
		if entry == m {
			r.logs[roomID] = append(log[:i:i], log[i+1:]...)
			break
		}
	}
	delete(r.index, messageID)
	return *m, true, nil
}

func (r *MemoryMessageRepository) Search(_ context.Context, query, roomID string) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []Message
	scan := func(log []*Message) {
		for _, m := range log {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				out = append(out, *m)
			}
		}
	}
	if roomID != "" {
		scan(r.logs[roomID])
		return out, nil
	}
	for _, log := range r.logs {
		scan(log)
	}
	return out, nil
}
