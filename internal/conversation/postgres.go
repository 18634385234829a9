package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// pqForeignKeyViolation is the SQLSTATE for a foreign key violation.
const pqForeignKeyViolation = "23503"

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store backed by db. The schema is managed by the
// storage package migrations.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// FindOrCreateConversation upserts on the canonical pair so concurrent callers
// converge on one row.
func (s *PGStore) FindOrCreateConversation(ctx context.Context, participants []string, kind Kind) (*Conversation, error) {
	pair, err := CanonicalPair(participants)
	if err != nil {
		return nil, err
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	const query = `
		INSERT INTO conversations (id, participant_a, participant_b, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_a, participant_b, kind)
		DO UPDATE SET participant_a = EXCLUDED.participant_a
		RETURNING id, participant_a, participant_b, kind, created_at`

	c := &Conversation{}
	err = s.db.QueryRowContext(ctx, query, uuid.NewString(), pair[0], pair[1], string(kind)).Scan(
		&c.ID, &c.Participants[0], &c.Participants[1], &c.Kind, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: find or create: %w", err)
	}
	return c, nil
}

// AppendMessage inserts a delivered, unseen message.
func (s *PGStore) AppendMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, msg.Type)
	}

	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, delivered, seen, expires_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6)
		RETURNING created_at`

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		Delivered:      true,
		ExpiresAt:      msg.ExpiresAt,
	}

	var expires sql.NullTime
	if msg.ExpiresAt != nil {
		expires = sql.NullTime{Time: *msg.ExpiresAt, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), expires,
	).Scan(&m.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: append message: %w", err)
	}
	return m, nil
}

// MarkSeen runs as a single UPDATE, so concurrent readers never report the
// same id twice.
func (s *PGStore) MarkSeen(ctx context.Context, conversationID, readerID string) ([]string, error) {
	const query = `
		WITH updated AS (
			UPDATE messages
			SET seen = TRUE
			WHERE conversation_id = $1
			  AND sender_id <> $2
			  AND seen = FALSE
			RETURNING id, created_at
		)
		SELECT id FROM updated ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("conversation: mark seen: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: mark seen scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: mark seen rows: %w", err)
	}
	return ids, nil
}
