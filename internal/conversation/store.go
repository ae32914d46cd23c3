// Package conversation persists a rolling per-conversation message window.
// The window is debugging context only: long-lived knowledge lives in the
// playbook, which survives conversation deletion.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cid TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	last_updated DATETIME NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_cid ON conversations(cid);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	extra_data TEXT,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// Conversation is the metadata row for one conversation ID.
type Conversation struct {
	ID           int64     `json:"id"`
	CID          string    `json:"cid"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
}

// Message is one stored exchange turn.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ExtraData      map[string]any `json:"extra_data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Store keeps conversations and their bounded message windows.
type Store struct {
	db            *sql.DB
	maxMessages   int
	retentionDays int
}

// NewStore attaches the conversation tables to an existing database handle.
// The playbook store owns the file; both live in one database.
func NewStore(db *sql.DB, maxMessages, retentionDays int) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply conversation schema: %w", err)
	}
	if maxMessages <= 0 {
		maxMessages = 10
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Store{db: db, maxMessages: maxMessages, retentionDays: retentionDays}, nil
}

// GetOrCreate returns the conversation for cid, creating it on first use.
func (s *Store) GetOrCreate(ctx context.Context, cid string) (*Conversation, error) {
	conv, err := s.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (cid, created_at, last_updated, message_count)
		VALUES (?, ?, ?, 0)`, cid, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	slog.Info("created conversation", "cid", cid)
	return &Conversation{ID: id, CID: cid, CreatedAt: now, LastUpdated: now}, nil
}

// Get returns the conversation for cid, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, cid string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cid, created_at, last_updated, message_count
		FROM conversations WHERE cid = ?`, cid).
		Scan(&c.ID, &c.CID, &c.CreatedAt, &c.LastUpdated, &c.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// AddMessage appends a message, dropping expired messages first and then
// the oldest ones past the window size.
func (s *Store) AddMessage(ctx context.Context, cid, role, content string, extra map[string]any) (*Message, error) {
	conv, err := s.GetOrCreate(ctx, cid)
	if err != nil {
		return nil, err
	}

	if err := s.cleanupExpired(ctx, conv.ID); err != nil {
		return nil, err
	}
	if err := s.enforceWindow(ctx, conv.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var extraJSON any
	if extra != nil {
		data, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("marshal extra_data: %w", err)
		}
		extraJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, extra_data, timestamp)
		VALUES (?, ?, ?, ?, ?)`, conv.ID, role, content, extraJSON, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_updated = ?, message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?)
		WHERE id = ?`, now, conv.ID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	slog.Debug("added message", "cid", cid, "role", role)
	return &Message{ID: id, ConversationID: conv.ID, Role: role, Content: content, ExtraData: extra, Timestamp: now}, nil
}

// Messages returns up to limit most recent messages in chronological order.
// limit <= 0 returns the whole window.
func (s *Store) Messages(ctx context.Context, cid string, limit int) ([]*Message, error) {
	conv, err := s.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	if err := s.cleanupExpired(ctx, conv.ID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, conversation_id, role, content, extra_data, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC, id DESC`
	args := []any{conv.ID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var extraJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &extraJSON, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if extraJSON.Valid && extraJSON.String != "" {
			if err := json.Unmarshal([]byte(extraJSON.String), &m.ExtraData); err != nil {
				slog.Warn("unreadable extra_data", "message_id", m.ID, "error", err)
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Newest-first query, chronological result.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Delete removes the conversation and its messages. Playbook entries for
// the same cid are untouched.
func (s *Store) Delete(ctx context.Context, cid string) (bool, error) {
	conv, err := s.Get(ctx, cid)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conv.ID); err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	slog.Info("deleted conversation", "cid", cid)
	return true, nil
}

// List returns conversations ordered by recency.
func (s *Store) List(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cid, created_at, last_updated, message_count
		FROM conversations ORDER BY last_updated DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.CID, &c.CreatedAt, &c.LastUpdated, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

func (s *Store) cleanupExpired(ctx context.Context, conversationID int64) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND timestamp < ?`, conversationID, cutoff)
	if err != nil {
		return fmt.Errorf("expire messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("expired old messages", "conversation_id", conversationID, "removed", n)
	}
	return nil
}

// enforceWindow trims the oldest messages so one more insert stays within
// the window size.
func (s *Store) enforceWindow(ctx context.Context, conversationID int64) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if count < s.maxMessages {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, conversationID, conversationID, s.maxMessages-1)
	if err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("trimmed message window", "conversation_id", conversationID, "removed", n)
	}
	return nil
}
