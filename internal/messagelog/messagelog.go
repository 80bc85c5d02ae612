// Package messagelog implements the single authoritative, append-only
// conversation message log described by spec.md §3/§9. It replaces the
// teacher's per-conversation history.json file (internal/storage) with
// one Postgres table, using the teacher's own pgxpool idiom.
package messagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Role is one of the two roles a message can carry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation, ordered by Timestamp within a
// ConversationID. The log is append-only: the orchestrator never
// mutates past entries.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
}

// Store is the message log collaborator from spec.md §6.
type Store interface {
	// Append adds a message to the log. Timestamps are assigned
	// monotonically per conversation by the store if msg.Timestamp is
	// zero.
	Append(ctx context.Context, msg Message) error
	// Fetch returns the full ordered history for a conversation.
	Fetch(ctx context.Context, conversationID string) ([]Message, error)
	// DeleteConversation removes every message belonging to one
	// conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
	// DeleteAll wipes the entire message log (admin operation).
	DeleteAll(ctx context.Context) error
}

// PostgresStore is the Postgres-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore ensures the conversation_messages table exists and
// returns a Store backed by it.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS conversation_messages_conv_idx
	ON conversation_messages (conversation_id, created_at);
`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure message log schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, msg Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO conversation_messages (conversation_id, role, content, source, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		msg.ConversationID, string(msg.Role), msg.Content, msg.Source, ts)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT conversation_id, role, content, source, created_at
FROM conversation_messages
WHERE conversation_id = $1
ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ConversationID, &role, &m.Content, &m.Source, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM conversation_messages WHERE conversation_id = $1", conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM conversation_messages")
	if err != nil {
		return fmt.Errorf("delete all messages: %w", err)
	}
	return nil
}
