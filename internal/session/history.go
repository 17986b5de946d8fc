package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/avatar-chat/internal/timeline"
)

const (
	// HistoryPrefix is the Redis key prefix for history snapshots.
	HistoryPrefix = "history:"

	// DefaultHistoryTTL is how long an idle channel's history survives.
	DefaultHistoryTTL = 24 * time.Hour
)

// History is the persisted part of a conversation: typed messages, the
// preserved subtitle log and the connection cycle counter.
type History struct {
	Pending   []timeline.ChatMessage    `json:"pending"`
	Preserved []timeline.PreservedEntry `json:"preserved"`
	Cycle     uint64                    `json:"cycle"`
	SavedAt   int64                     `json:"saved_at"`
}

// SaveHistory overwrites the snapshot of channel and refreshes its TTL.
func (s *Store) SaveHistory(ctx context.Context, channel string, h History) error {
	if h.SavedAt == 0 {
		h.SavedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("session: marshal history: %w", err)
	}
	if err := s.client.Set(ctx, HistoryPrefix+channel, data, s.historyTTL).Err(); err != nil {
		return fmt.Errorf("session: save history %s: %w", channel, err)
	}
	return nil
}

// LoadHistory returns the snapshot of channel, or nil when there is none.
func (s *Store) LoadHistory(ctx context.Context, channel string) (*History, error) {
	data, err := s.client.Get(ctx, HistoryPrefix+channel).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load history %s: %w", channel, err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("session: decode history %s: %w", channel, err)
	}
	return &h, nil
}

// DeleteHistory removes the snapshot of channel.
func (s *Store) DeleteHistory(ctx context.Context, channel string) error {
	return s.client.Del(ctx, HistoryPrefix+channel).Err()
}
