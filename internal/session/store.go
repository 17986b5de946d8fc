package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresenterPrefix is the Redis key prefix for presenter hashes.
	PresenterPrefix = "presenter:"

	// PresenterTTL is the time-to-live for presenter keys in Redis.
	PresenterTTL = 1 * time.Hour

	// Status constants of a presenter record.
	StatusIdle       = "idle"
	StatusSubscribed = "subscribed"
)

// Presenter is a connected timeline presenter as stored in Redis.
type Presenter struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // idle | subscribed
	Channel    string `redis:"channel"`     // empty until subscribed
	Server     string `redis:"server"`      // which bridge instance
	RemoteAddr string `redis:"remote_addr"` // client address
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages presenter records and history snapshots in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	historyTTL time.Duration
}

// NewStore creates a new store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, historyTTL: DefaultHistoryTTL}
}

// SetHistoryTTL overrides how long history snapshots live.
func (s *Store) SetHistoryTTL(ttl time.Duration) {
	if ttl > 0 {
		s.historyTTL = ttl
	}
}

// Create stores a new presenter record with idle status.
func (s *Store) Create(ctx context.Context, presenterID, remoteAddr string) error {
	key := PresenterPrefix + presenterID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          presenterID,
		"status":      StatusIdle,
		"channel":     "",
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, PresenterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presenter record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, presenterID string) (*Presenter, error) {
	key := PresenterPrefix + presenterID
	var p Presenter
	if err := s.client.HGetAll(ctx, key).Scan(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil
	}
	return &p, nil
}

// SetChannel records the channel a presenter subscribed to.
func (s *Store) SetChannel(ctx context.Context, presenterID, channel string) error {
	key := PresenterPrefix + presenterID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "channel", channel, "status", StatusSubscribed, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the presenter's TTL.
func (s *Store) RefreshTTL(ctx context.Context, presenterID string) error {
	key := PresenterPrefix + presenterID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a presenter record.
func (s *Store) Delete(ctx context.Context, presenterID string) error {
	return s.client.Del(ctx, PresenterPrefix+presenterID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
