package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// ConversationStore owns conversations, their ordered messages, and the tool
// call records hanging off assistant messages. Messages are append-only except
// for the administrative clear/delete operations. Everything is owner-scoped;
// operating on another user's conversation fails closed with NotFound.
type ConversationStore struct {
	db database.DBTX
}

// NewConversationStore creates a conversation store bound to db
func NewConversationStore(db database.DBTX) *ConversationStore {
	return &ConversationStore{db: db}
}

// WithTx returns a copy of the store bound to the given transaction
func (s *ConversationStore) WithTx(tx *sql.Tx) *ConversationStore {
	return &ConversationStore{db: tx}
}

// CreateConversation creates an empty conversation for owner
func (s *ConversationStore) CreateConversation(ctx context.Context, owner string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns the owner's conversation by id
func (s *ConversationStore) GetConversation(ctx context.Context, owner, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM conversations WHERE id = ? AND owner_id = ?`,
		id, owner).Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, most recently active first
func (s *ConversationStore) ListConversations(ctx context.Context, owner string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM conversations
		 WHERE owner_id = ? ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetLatestConversation returns the owner's most recently active conversation,
// or NotFound when they have none
func (s *ConversationStore) GetLatestConversation(ctx context.Context, owner string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM conversations
		 WHERE owner_id = ? ORDER BY updated_at DESC LIMIT 1`, owner).
		Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("no conversations")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest conversation: %w", err)
	}
	return &c, nil
}

// ConversationExists reports whether a conversation with this id exists for
// ANY owner. Only the orchestrator may use it, to tell a cross-tenant attempt
// apart from a plain miss.
func (s *ConversationStore) ConversationExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check conversation existence: %w", err)
	}
	return true, nil
}

// AppendMessage appends one turn to the conversation and bumps its updated_at.
// Seq is assigned monotonically within the conversation so ordering survives
// equal timestamps.
func (s *ConversationStore) AppendMessage(ctx context.Context, conv *models.Conversation, role, content string) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, conv.ID).
		Scan(&msg.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to assign message seq: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, owner_id, role, content, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.OwnerID, msg.Role, msg.Content, msg.Seq, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	return msg, nil
}

// ListMessages returns the conversation's messages in chronological order with
// their tool call records attached. Limit <= 0 means all messages; otherwise
// the latest limit messages are returned, still chronologically.
func (s *ConversationStore) ListMessages(ctx context.Context, owner, conversationID string, limit int) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, owner_id, role, content, seq, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY created_at, seq`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, conversation_id, owner_id, role, content, seq, created_at
			FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at, seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range messages {
		calls, err := s.listToolCallsByMessage(ctx, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].ToolCalls = calls
	}
	return messages, nil
}

// ClearMessages removes the conversation's messages and tool call records,
// leaving the conversation itself
func (s *ConversationStore) ClearMessages(ctx context.Context, owner, conversationID string) (int64, error) {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE conversation_id = ?`, conversationID); err != nil {
		return 0, fmt.Errorf("failed to clear tool calls: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear messages: %w", err)
	}
	deleted, _ := result.RowsAffected()
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID)
	if err != nil {
		return deleted, fmt.Errorf("failed to touch conversation: %w", err)
	}
	return deleted, nil
}

// DeleteConversation removes the conversation with its messages and tool calls
func (s *ConversationStore) DeleteConversation(ctx context.Context, owner, id string) error {
	if _, err := s.GetConversation(ctx, owner, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tool calls: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message and its tool call records
func (s *ConversationStore) DeleteMessage(ctx context.Context, owner, conversationID, messageID string) error {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete tool calls: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("message not found")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// InsertToolCall persists a tool call record
func (s *ConversationStore) InsertToolCall(ctx context.Context, record *models.ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, message_id, conversation_id, owner_id, tool_name, arguments, status, result, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.MessageID, record.ConversationID, record.OwnerID,
		record.ToolName, string(record.Arguments), string(record.Status),
		nullableJSON(record.Result), record.CreatedAt, record.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// GetToolCall returns the owner's tool call record by id
func (s *ConversationStore) GetToolCall(ctx context.Context, owner, id string) (*models.ToolCallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, conversation_id, owner_id, tool_name, arguments, status, result, created_at, resolved_at
		 FROM tool_calls WHERE id = ? AND owner_id = ?`, id, owner)
	record, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("tool call not found")
	}
	return record, err
}

// TransitionToolCall moves a record from one status to another with a
// conditional update. It returns false when the record was not in the expected
// status, which is how two racing confirmations get serialized: exactly one
// update wins, the loser observes the already-resolved state.
func (s *ConversationStore) TransitionToolCall(ctx context.Context, owner, id string, from, to models.ToolCallStatus, result []byte) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, apperrors.Newf(apperrors.KindValidation, "illegal tool call transition %s -> %s", from, to)
	}

	var resolvedAt any
	if to.Terminal() {
		resolvedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, result = COALESCE(?, result), resolved_at = COALESCE(?, resolved_at)
		 WHERE id = ? AND owner_id = ? AND status = ?`,
		string(to), nullableJSON(result), resolvedAt, id, owner, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition tool call: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *ConversationStore) listToolCallsByMessage(ctx context.Context, messageID string) ([]models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, conversation_id, owner_id, tool_name, arguments, status, result, created_at, resolved_at
		 FROM tool_calls WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var records []models.ToolCallRecord
	for rows.Next() {
		record, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(row rowScanner) (*models.ToolCallRecord, error) {
	var r models.ToolCallRecord
	var arguments string
	var result sql.NullString
	var status string
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.MessageID, &r.ConversationID, &r.OwnerID, &r.ToolName,
		&arguments, &status, &result, &r.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tool call: %w", err)
	}
	r.Arguments = json.RawMessage(arguments)
	r.Status = models.ToolCallStatus(status)
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return &r, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
