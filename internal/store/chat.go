package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/usercontext"
	"github.com/google/uuid"
)

// SaveMessage appends one chat turn to the user's history.
func (s *Store) SaveMessage(ctx context.Context, m *catalog.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_messages (id, user_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.UserID, m.SessionID, string(m.Role), m.Content, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	return nil
}

// GetHistory returns the most recent messages for a session, oldest first.
func (s *Store) GetHistory(ctx context.Context, userID, sessionID string, limit int) ([]*catalog.ChatMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, session_id, role, content, created_at FROM (
			SELECT id, user_id, session_id, role, content, created_at
			FROM chat_messages
			WHERE user_id = $1 AND session_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at`,
		userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()

	var messages []*catalog.ChatMessage
	for rows.Next() {
		var m catalog.ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Role = catalog.MessageRole(role)
		messages = append(messages, &m)
	}
	return messages, nil
}

// SaveContext upserts a user's context signals. Implements
// usercontext.Persister.
func (s *Store) SaveContext(ctx context.Context, uc *usercontext.UserContext) error {
	signals, err := json.Marshal(uc.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO user_contexts (user_id, signals, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			signals = EXCLUDED.signals,
			last_updated = EXCLUDED.last_updated`,
		uc.UserID, signals, uc.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("save context %s: %w", uc.UserID, err)
	}
	return nil
}

// LoadContexts returns all stored user contexts. Implements
// usercontext.Persister.
func (s *Store) LoadContexts(ctx context.Context) ([]*usercontext.UserContext, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, signals, last_updated FROM user_contexts`)
	if err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*usercontext.UserContext
	for rows.Next() {
		var uc usercontext.UserContext
		var signals []byte
		if err := rows.Scan(&uc.UserID, &signals, &uc.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		if err := json.Unmarshal(signals, &uc.Signals); err != nil {
			s.logger.Warn("corrupt context signals skipped")
			continue
		}
		contexts = append(contexts, &uc)
	}
	return contexts, nil
}
