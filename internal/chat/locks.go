package chat

import "sync"

// roomLocks hands out one mutex per room. Append, unread bookkeeping and
// status transitions of a room happen under its lock.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[string]*sync.Mutex)}
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	m, ok := l.rooms[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.rooms[roomID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
