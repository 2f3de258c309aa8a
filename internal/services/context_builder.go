package services

import (
	"context"

	"taskpilot/internal/assistant"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
)

// ContextBuilder rebuilds the assistant's context window from persisted
// messages. Nothing is cached between requests; every turn reads the history
// fresh so any worker can serve any request.
type ContextBuilder struct {
	conversations *store.ConversationStore
	historyLimit  int
}

// NewContextBuilder creates a builder reading at most historyLimit recent
// messages per turn (0 means unbounded).
func NewContextBuilder(conversations *store.ConversationStore, historyLimit int) *ContextBuilder {
	return &ContextBuilder{conversations: conversations, historyLimit: historyLimit}
}

// Build returns the conversation's history as ordered turn messages, oldest
// first. Tool call outcomes from earlier turns are already folded into the
// persisted assistant text, so roles collapse to user/assistant.
func (b *ContextBuilder) Build(ctx context.Context, owner, conversationID string) ([]assistant.TurnMessage, error) {
	messages, err := b.conversations.ListMessages(ctx, owner, conversationID, b.historyLimit)
	if err != nil {
		return nil, err
	}
	turns := make([]assistant.TurnMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		turns = append(turns, assistant.TurnMessage{Role: msg.Role, Content: msg.Content})
	}
	return turns, nil
}
