package chat

import (
	"context"
	"sort"
	"strings"

	"nbcon-chat/internal/metrics"
)

// Search returns messages whose content contains query, ignoring case,
// newest first. An empty roomID searches every room. A blank query matches
// nothing.
func (s *MessageStore) Search(ctx context.Context, query, roomID string) ([]Message, error) {
	scope := "all"
	if roomID != "" {
		scope = "room"
	}
	metrics.SearchQueries.WithLabelValues(scope).Inc()

	if strings.TrimSpace(query) == "" {
		return []Message{}, nil
	}
	found, err := s.repo.Search(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(found)
	if found == nil {
		found = []Message{}
	}
	return found, nil
}

// sortNewestFirst orders by timestamp descending. Equal timestamps fall back
// to the id, which sorts by creation time as well.
func sortNewestFirst(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Timestamp.Equal(ms[j].Timestamp) {
			return ms[i].Timestamp.After(ms[j].Timestamp)
		}
		return ms[i].ID > ms[j].ID
	})
}
