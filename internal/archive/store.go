// Package archive provides PostgreSQL-backed storage for completed timeline
// messages. Each conversation channel keeps one row per displayed message;
// later, more complete versions of a message replace shorter ones.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/avatar-chat/internal/timeline"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store manages archived timeline messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Archivable reports whether m belongs in the archive: finished, with
// content.
func Archivable(m timeline.ChatMessage) bool {
	return m.Completion != timeline.CompletionInProgress && strings.TrimSpace(m.Content) != ""
}

// Upsert writes msgs for channel in one transaction. An existing row is only
// replaced by content at least as long as what it holds.
func (s *Store) Upsert(ctx context.Context, channel string, msgs []timeline.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO timeline_messages
			(channel, id, role, participant_id, content, content_kind, origin, turn_id, message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (channel, id) DO UPDATE SET
			content     = EXCLUDED.content,
			origin      = EXCLUDED.origin,
			turn_id     = EXCLUDED.turn_id,
			message_id  = EXCLUDED.message_id,
			archived_at = NOW()
		WHERE char_length(EXCLUDED.content) >= char_length(timeline_messages.content)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if !Archivable(m) {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			channel,
			m.ID,
			string(m.Role),
			m.ParticipantID,
			m.Content,
			string(m.ContentKind),
			string(m.Origin),
			m.TurnID,
			m.MessageID,
			m.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("archive: upsert %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit archived messages of channel, oldest first.
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]timeline.ChatMessage, error) {
	const query = `
		SELECT id, role, participant_id, content, content_kind, origin, turn_id, message_id, sent_at
		FROM (
			SELECT * FROM timeline_messages
			WHERE channel = $1
			ORDER BY sent_at DESC
			LIMIT $2
		) recent
		ORDER BY sent_at ASC`

	rows, err := s.db.QueryContext(ctx, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var out []timeline.ChatMessage
	for rows.Next() {
		var (
			m                  timeline.ChatMessage
			role, kind, origin string
		)
		if err := rows.Scan(&m.ID, &role, &m.ParticipantID, &m.Content, &kind, &origin, &m.TurnID, &m.MessageID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		m.Role = timeline.Role(role)
		m.ContentKind = timeline.ContentKind(kind)
		m.Origin = timeline.Origin(origin)
		m.IsOwn = m.Role == timeline.RoleUser
		m.Completion = timeline.CompletionEnd
		m.Affinity = timeline.AffinityPrevious
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: rows: %w", err)
	}
	return out, nil
}
