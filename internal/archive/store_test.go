package archive

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/whisper/avatar-chat/internal/timeline"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected up and down migration, got %v", files)
	}
}

func TestArchivable(t *testing.T) {
	cases := []struct {
		name string
		msg  timeline.ChatMessage
		want bool
	}{
		{"typed", timeline.ChatMessage{Content: "hi", Origin: timeline.OriginTyped}, true},
		{"finished subtitle", timeline.ChatMessage{Content: "hi", Completion: timeline.CompletionEnd}, true},
		{"in progress subtitle", timeline.ChatMessage{Content: "hi", Completion: timeline.CompletionInProgress}, false},
		{"blank", timeline.ChatMessage{Content: "  "}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Archivable(tc.msg); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// newTestStore connects to the database named by DATABASE_URL, skipping when
// it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DELETE FROM timeline_messages WHERE channel LIKE 'test_%'`)
		db.Close()
	})
	return NewStore(db)
}

func TestUpsert_LongerContentWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	msg := timeline.ChatMessage{
		ID: "m1", Role: timeline.RoleAgent, Content: "Hello there, friend",
		ContentKind: timeline.KindText, Origin: timeline.OriginSubtitle,
		Completion: timeline.CompletionEnd, Timestamp: at,
	}
	if err := store.Upsert(ctx, "test_room", []timeline.ChatMessage{msg}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	shorter := msg
	shorter.Content = "Hello"
	if err := store.Upsert(ctx, "test_room", []timeline.ChatMessage{shorter}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := store.Recent(ctx, "test_room", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].Content != "Hello there, friend" {
		t.Errorf("shorter content overwrote archive: %q", got[0].Content)
	}
}
