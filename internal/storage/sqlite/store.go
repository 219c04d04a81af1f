package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			search_enabled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			parts TEXT,
			steps TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cached_input_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			terminated INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.CreatedAt = time.Now()
	conv.LastActivityAt = conv.CreatedAt

	query := `INSERT INTO conversations (id, title, model, search_enabled, created_at, last_activity_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.Title, conv.Model, boolToInt(conv.SearchEnabled), conv.CreatedAt, conv.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT id, title, model, search_enabled, created_at, last_activity_at
	          FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var searchEnabled int

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.Model, &searchEnabled, &conv.CreatedAt, &conv.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.SearchEnabled = searchEnabled != 0

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	query := `SELECT id, title, model, search_enabled, created_at, last_activity_at
	          FROM conversations
	          ORDER BY last_activity_at DESC
	          LIMIT ? OFFSET ?`

	limit := opts.Limit
	if limit == 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var searchEnabled int
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Model, &searchEnabled,
			&conv.CreatedAt, &conv.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.SearchEnabled = searchEnabled != 0
		conversations = append(conversations, &conv)
	}
	return conversations, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SetConversationTitle(ctx context.Context, convID, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, convID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return requireAffected(result, "conversation "+convID)
}

func (s *Store) AddMessage(ctx context.Context, msg *domain.Message) error {
	msg.CreatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO messages (id, conversation_id, role, content, created_at)
	          VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		time.Now(), msg.ConversationID); err != nil {
		return fmt.Errorf("failed to update conversation activity: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, parts, steps,
	                 input_tokens, output_tokens, total_tokens, reasoning_tokens, cached_input_tokens,
	                 error, terminated, created_at
	          FROM messages WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *Store) getMessages(ctx context.Context, convID string) ([]*domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, parts, steps,
	                 input_tokens, output_tokens, total_tokens, reasoning_tokens, cached_input_tokens,
	                 error, terminated, created_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) SaveMessageResult(ctx context.Context, messageID string, parts []*domain.Part, steps []domain.Step, usage domain.Usage) error {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("failed to marshal parts: %w", err)
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `UPDATE messages SET parts = ?, steps = ?,
	          input_tokens = ?, output_tokens = ?, total_tokens = ?, reasoning_tokens = ?, cached_input_tokens = ?
	          WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(partsJSON), string(stepsJSON),
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens,
		usage.ReasoningTokens, usage.CachedInputTokens, messageID)
	if err != nil {
		return fmt.Errorf("failed to save message result: %w", err)
	}
	return requireAffected(result, "message "+messageID)
}

func (s *Store) SetMessageError(ctx context.Context, messageID, errText string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET error = ? WHERE id = ?`, errText, messageID)
	if err != nil {
		return fmt.Errorf("failed to set message error: %w", err)
	}
	return requireAffected(result, "message "+messageID)
}

func (s *Store) MarkMessageTerminated(ctx context.Context, messageID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET terminated = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message terminated: %w", err)
	}
	return requireAffected(result, "message "+messageID)
}

func (s *Store) LastAssistantMessage(ctx context.Context, convID string) (*domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, parts, steps,
	                 input_tokens, output_tokens, total_tokens, reasoning_tokens, cached_input_tokens,
	                 error, terminated, created_at
	          FROM messages WHERE conversation_id = ? AND role = ?
	          ORDER BY created_at DESC LIMIT 1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, convID, string(domain.RoleAssistant)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no assistant message in conversation %s: %w", convID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last assistant message: %w", err)
	}
	return msg, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role string
	var partsStr, stepsStr, errStr sql.NullString
	var terminated int

	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &partsStr, &stepsStr,
		&msg.Usage.InputTokens, &msg.Usage.OutputTokens, &msg.Usage.TotalTokens,
		&msg.Usage.ReasoningTokens, &msg.Usage.CachedInputTokens,
		&errStr, &terminated, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	msg.Role = domain.Role(role)
	msg.Terminated = terminated != 0
	if errStr.Valid {
		msg.Error = errStr.String
	}
	if partsStr.Valid && partsStr.String != "" {
		if err := json.Unmarshal([]byte(partsStr.String), &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parts: %w", err)
		}
	}
	if stepsStr.Valid && stepsStr.String != "" {
		if err := json.Unmarshal([]byte(stepsStr.String), &msg.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	return &msg, nil
}

func requireAffected(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
