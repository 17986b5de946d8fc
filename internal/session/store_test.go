package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

// newTestStore creates a Store on a local Redis instance and removes test
// keys before and after. Tests skip when Redis is not running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{PresenterPrefix + "test_*", HistoryPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "test-bridge")
}

func TestPresenterLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_p1", "10.0.0.1:5555"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	p, err := store.Get(ctx, "test_p1")
	if err != nil || p == nil {
		t.Fatalf("Get() = %v, %v", p, err)
	}
	if p.Status != StatusIdle || p.Server != "test-bridge" {
		t.Errorf("unexpected record: %+v", p)
	}

	if err := store.SetChannel(ctx, "test_p1", "room"); err != nil {
		t.Fatalf("SetChannel() error: %v", err)
	}
	p, _ = store.Get(ctx, "test_p1")
	if p.Channel != "room" || p.Status != StatusSubscribed {
		t.Errorf("expected subscribed to room, got %+v", p)
	}

	if err := store.Delete(ctx, "test_p1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if p, _ := store.Get(ctx, "test_p1"); p != nil {
		t.Errorf("expected record gone, got %+v", p)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	store.SetHistoryTTL(time.Minute)
	ctx := context.Background()

	if h, err := store.LoadHistory(ctx, "test_room"); err != nil || h != nil {
		t.Fatalf("expected no history, got %v, %v", h, err)
	}

	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	want := History{
		Pending: []timeline.ChatMessage{{
			ID: "m1", Role: timeline.RoleUser, Content: "hi", ContentKind: timeline.KindText, Timestamp: at,
		}},
		Preserved: []timeline.PreservedEntry{{
			Utterance: transcript.Utterance{TurnID: "1", ParticipantID: "0", Text: "hello", Status: transcript.End, StartTime: at},
			Cycle:     2,
		}},
		Cycle: 3,
	}
	if err := store.SaveHistory(ctx, "test_room", want); err != nil {
		t.Fatalf("SaveHistory() error: %v", err)
	}

	got, err := store.LoadHistory(ctx, "test_room")
	if err != nil || got == nil {
		t.Fatalf("LoadHistory() = %v, %v", got, err)
	}
	if got.Cycle != 3 || len(got.Pending) != 1 || len(got.Preserved) != 1 {
		t.Fatalf("unexpected history: %+v", got)
	}
	if got.Pending[0].Content != "hi" || got.Preserved[0].Utterance.Text != "hello" {
		t.Errorf("content mismatch: %+v", got)
	}
	if got.SavedAt == 0 {
		t.Error("expected SavedAt to be stamped")
	}

	ttl := store.Client().TTL(ctx, HistoryPrefix+"test_room").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected TTL %v", ttl)
	}

	if err := store.DeleteHistory(ctx, "test_room"); err != nil {
		t.Fatalf("DeleteHistory() error: %v", err)
	}
}
