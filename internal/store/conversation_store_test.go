package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/models"
)

func seedConversation(t *testing.T, s *ConversationStore, owner string) *models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), owner)
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}

func seedToolCall(t *testing.T, s *ConversationStore, conv *models.Conversation, messageID string, status models.ToolCallStatus) *models.ToolCallRecord {
	t.Helper()
	record := &models.ToolCallRecord{
		ID:             uuid.NewString(),
		MessageID:      messageID,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		ToolName:       "delete_task",
		Arguments:      json.RawMessage(`{"task_id":"t-1"}`),
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.InsertToolCall(context.Background(), record); err != nil {
		t.Fatalf("failed to insert tool call: %v", err)
	}
	return record
}

func TestMessageOrderingIsStable(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	// Appended fast enough that timestamps can collide; seq breaks ties.
	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := s.AppendMessage(ctx, conv, models.RoleUser, content); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	first, err := s.ListMessages(ctx, "owner-1", conv.ID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	second, err := s.ListMessages(ctx, "owner-1", conv.ID, 0)
	if err != nil {
		t.Fatalf("second list failed: %v", err)
	}

	want := []string{"one", "two", "three", "four"}
	for i, msg := range first {
		if msg.Content != want[i] {
			t.Fatalf("wrong order at %d: got %q, want %q", i, msg.Content, want[i])
		}
		// Read idempotence: both reads yield the identical sequence.
		if second[i].ID != msg.ID {
			t.Fatalf("reads disagree at %d: %s vs %s", i, msg.ID, second[i].ID)
		}
	}
}

func TestListMessagesLimitKeepsLatest(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := s.AppendMessage(ctx, conv, models.RoleUser, content); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	latest, err := s.ListMessages(ctx, "owner-1", conv.ID, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "three" || latest[1].Content != "four" {
		t.Errorf("limit should keep the newest messages in order, got %+v", latest)
	}
}

func TestConversationOwnershipIsolation(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	if _, err := s.GetConversation(ctx, "owner-2", conv.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("cross-tenant get should be not-found, got %v", err)
	}
	if _, err := s.ListMessages(ctx, "owner-2", conv.ID, 0); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("cross-tenant message list should be not-found, got %v", err)
	}
	if err := s.DeleteConversation(ctx, "owner-2", conv.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("cross-tenant delete should be not-found, got %v", err)
	}

	exists, err := s.ConversationExists(ctx, conv.ID)
	if err != nil || !exists {
		t.Errorf("exists probe failed: %v %v", exists, err)
	}
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()

	older := seedConversation(t, s, "owner-1")
	newer := seedConversation(t, s, "owner-1")

	// Touch the older one; it becomes the most recently active.
	time.Sleep(5 * time.Millisecond)
	if _, err := s.AppendMessage(ctx, older, models.RoleUser, "bump"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	list, err := s.ListConversations(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Errorf("expected the touched conversation first, got %+v", list)
	}

	latest, err := s.GetLatestConversation(ctx, "owner-1")
	if err != nil || latest.ID != older.ID {
		t.Errorf("latest should be the touched conversation, got %+v (%v)", latest, err)
	}

	if _, err := s.GetLatestConversation(ctx, "owner-2"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("latest with no conversations should be not-found, got %v", err)
	}
}

func TestClearMessages(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	msg, _ := s.AppendMessage(ctx, conv, models.RoleAssistant, "reply")
	seedToolCall(t, s, conv, msg.ID, models.ToolCallExecuted)
	s.AppendMessage(ctx, conv, models.RoleUser, "another")

	deleted, err := s.ClearMessages(ctx, "owner-1", conv.ID)
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted messages, got %d", deleted)
	}

	messages, _ := s.ListMessages(ctx, "owner-1", conv.ID, 0)
	if len(messages) != 0 {
		t.Errorf("conversation should be empty, got %d messages", len(messages))
	}
	// The conversation itself survives.
	if _, err := s.GetConversation(ctx, "owner-1", conv.ID); err != nil {
		t.Errorf("conversation should survive a clear: %v", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	keep, _ := s.AppendMessage(ctx, conv, models.RoleUser, "keep")
	drop, _ := s.AppendMessage(ctx, conv, models.RoleUser, "drop")

	if err := s.DeleteMessage(ctx, "owner-1", conv.ID, drop.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.DeleteMessage(ctx, "owner-1", conv.ID, drop.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("double delete should be not-found, got %v", err)
	}

	messages, _ := s.ListMessages(ctx, "owner-1", conv.ID, 0)
	if len(messages) != 1 || messages[0].ID != keep.ID {
		t.Errorf("wrong message deleted: %+v", messages)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")

	msg, _ := s.AppendMessage(ctx, conv, models.RoleAssistant, "proposing")
	record := seedToolCall(t, s, conv, msg.ID, models.ToolCallProposed)

	got, err := s.GetToolCall(ctx, "owner-1", record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ToolName != "delete_task" || got.Status != models.ToolCallProposed {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if string(got.Arguments) != `{"task_id":"t-1"}` {
		t.Errorf("arguments mangled: %s", got.Arguments)
	}

	if _, err := s.GetToolCall(ctx, "owner-2", record.ID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("cross-tenant get should be not-found, got %v", err)
	}

	// Records are attached to their message on list.
	messages, _ := s.ListMessages(ctx, "owner-1", conv.ID, 0)
	if len(messages) != 1 || len(messages[0].ToolCalls) != 1 {
		t.Fatalf("tool call not attached: %+v", messages)
	}
}

func TestToolCallTransitions(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")
	msg, _ := s.AppendMessage(ctx, conv, models.RoleAssistant, "proposing")
	record := seedToolCall(t, s, conv, msg.ID, models.ToolCallProposed)

	// proposed -> confirmed
	won, err := s.TransitionToolCall(ctx, "owner-1", record.ID,
		models.ToolCallProposed, models.ToolCallConfirmed, nil)
	if err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	// A second racer loses the same transition.
	won, err = s.TransitionToolCall(ctx, "owner-1", record.ID,
		models.ToolCallProposed, models.ToolCallConfirmed, nil)
	if err != nil || won {
		t.Errorf("second claim should lose: won=%v err=%v", won, err)
	}

	// confirmed -> executed records result and resolved_at.
	result := json.RawMessage(`{"status":"deleted"}`)
	won, err = s.TransitionToolCall(ctx, "owner-1", record.ID,
		models.ToolCallConfirmed, models.ToolCallExecuted, result)
	if err != nil || !won {
		t.Fatalf("execute transition failed: won=%v err=%v", won, err)
	}

	got, _ := s.GetToolCall(ctx, "owner-1", record.ID)
	if got.Status != models.ToolCallExecuted {
		t.Errorf("expected executed, got %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("terminal transition should set resolved_at")
	}
	if string(got.Result) != string(result) {
		t.Errorf("result mangled: %s", got.Result)
	}

	// Illegal transition out of a terminal state is rejected up front.
	if _, err := s.TransitionToolCall(ctx, "owner-1", record.ID,
		models.ToolCallExecuted, models.ToolCallProposed, nil); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("status regression must be rejected, got %v", err)
	}
}

func TestToolCallTransitionOwnerScoped(t *testing.T) {
	s := NewConversationStore(newTestDB(t))
	ctx := context.Background()
	conv := seedConversation(t, s, "owner-1")
	msg, _ := s.AppendMessage(ctx, conv, models.RoleAssistant, "proposing")
	record := seedToolCall(t, s, conv, msg.ID, models.ToolCallProposed)

	won, err := s.TransitionToolCall(ctx, "owner-2", record.ID,
		models.ToolCallProposed, models.ToolCallConfirmed, nil)
	if err != nil || won {
		t.Errorf("cross-tenant transition must not win: won=%v err=%v", won, err)
	}

	got, _ := s.GetToolCall(ctx, "owner-1", record.ID)
	if got.Status != models.ToolCallProposed {
		t.Errorf("record was mutated across tenants: %s", got.Status)
	}
}
