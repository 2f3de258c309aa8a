package models

import (
	"encoding/json"
	"time"
)

// Conversation is a persisted, ordered container of messages for one user
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn (user or assistant) within a conversation.
// Seq is the insertion order within the conversation and breaks CreatedAt ties.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	OwnerID        string           `json:"owner_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	Seq            int64            `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ToolCallStatus is the lifecycle state of a proposed tool invocation.
// Transitions are monotonic: proposed -> confirmed|cancelled|failed|executed,
// confirmed -> executed|failed. A record never re-enters proposed.
type ToolCallStatus string

const (
	ToolCallProposed  ToolCallStatus = "proposed"
	ToolCallConfirmed ToolCallStatus = "confirmed"
	ToolCallCancelled ToolCallStatus = "cancelled"
	ToolCallExecuted  ToolCallStatus = "executed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallExecuted || s == ToolCallCancelled || s == ToolCallFailed
}

// CanTransitionTo reports whether moving from s to next is a legal transition
func (s ToolCallStatus) CanTransitionTo(next ToolCallStatus) bool {
	switch s {
	case ToolCallProposed:
		return next == ToolCallConfirmed || next == ToolCallCancelled ||
			next == ToolCallExecuted || next == ToolCallFailed
	case ToolCallConfirmed:
		return next == ToolCallExecuted || next == ToolCallFailed
	default:
		return false
	}
}

// ToolCallRecord is the persisted record of a proposed tool invocation and its
// resolution lifecycle. Arguments and Result are raw JSON so stored records stay
// interpretable across additive schema changes.
type ToolCallRecord struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"-"`
	ConversationID string          `json:"-"`
	OwnerID        string          `json:"-"`
	ToolName       string          `json:"name"`
	Arguments      json.RawMessage `json:"arguments"`
	Status         ToolCallStatus  `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// ChatRequest is the caller-facing chat request body. The owner always comes
// from the authenticated identity, never from the body.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is returned by both the chat and the confirm endpoints
type ChatResponse struct {
	ConversationID string           `json:"conversation_id"`
	Reply          string           `json:"reply"`
	ToolCalls      []ToolCallRecord `json:"tool_calls"`
}

// Confirmation decisions
const (
	DecisionConfirm = "confirm"
	DecisionCancel  = "cancel"
)

// ConfirmRequest resolves a pending tool call proposal
type ConfirmRequest struct {
	ConversationID string `json:"conversation_id"`
	ToolCallID     string `json:"tool_call_id"`
	Decision       string `json:"decision"`
}
