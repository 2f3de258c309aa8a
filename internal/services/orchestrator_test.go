package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/assistant"
	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
	"taskpilot/internal/tools"
)

// scriptedInvoker returns queued replies in order, so tests control exactly
// what the assistant proposes.
type scriptedInvoker struct {
	replies []*assistant.Reply
	err     error
	calls   int
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ string, _ []assistant.TurnMessage, _ []map[string]any) (*assistant.Reply, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return &assistant.Reply{Content: "ok"}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AutoConfirmMutations: true,
		ConfirmationWindow:   15 * time.Minute,
		HistoryLimit:         50,
		IdempotencyTTL:       time.Minute,
	}
}

func newTestEnv(t *testing.T, inv assistant.Invoker, cfg *config.Config) (*Orchestrator, *database.DB) {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return NewOrchestrator(db, tools.NewRegistry(), inv, cfg), db
}

func callReply(name string, args map[string]any) *assistant.Reply {
	return &assistant.Reply{
		Content: "On it.",
		Calls:   []assistant.ProposedCall{{Name: name, Arguments: args}},
	}
}

func listTasks(t *testing.T, db *database.DB, owner string) []models.Task {
	t.Helper()
	list, err := store.NewTaskStore(db).List(context.Background(), owner, models.StatusFilterAll)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	return list
}

func seedOwnerTask(t *testing.T, db *database.DB, owner, title string) *models.Task {
	t.Helper()
	task, err := store.NewTaskStore(db).Create(context.Background(), owner, title, "")
	if err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	return task
}

// Scenario: "add a task" on an empty list executes in the same turn and the
// task shows up with the given title.
func TestChatAddTaskExecutesInTurn(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("add_task", map[string]any{"title": "buy groceries"}),
	}}
	o, db := newTestEnv(t, inv, testConfig())

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "Add a task to buy groceries"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Status != models.ToolCallExecuted {
		t.Errorf("expected executed, got %s", resp.ToolCalls[0].Status)
	}

	list := listTasks(t, db, "owner-1")
	if len(list) != 1 || list[0].Title != "buy groceries" {
		t.Errorf("expected exactly one task titled 'buy groceries', got %+v", list)
	}
}

// Scenario: a reference matching two tasks produces a clarifying reply, a
// failed record with candidates, and zero deletions.
func TestChatAmbiguousReferenceAsksForClarification(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("delete_task", map[string]any{"task_ref": "call"}),
	}}
	o, db := newTestEnv(t, inv, testConfig())
	seedOwnerTask(t, db, "owner-1", "Call mom")
	seedOwnerTask(t, db, "owner-1", "Call the bank")

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "delete the call task"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Status != models.ToolCallFailed {
		t.Fatalf("expected one failed record, got %+v", resp.ToolCalls)
	}
	if len(listTasks(t, db, "owner-1")) != 2 {
		t.Error("ambiguous reference must not delete anything")
	}
	for _, title := range []string{"Call mom", "Call the bank"} {
		if !contains(resp.Reply, title) {
			t.Errorf("reply should list candidate %q, got %q", title, resp.Reply)
		}
	}
}

// Scenario: an unambiguous delete waits for confirmation, the confirm request
// executes it, and a repeated confirm is a no-op reporting the terminal state.
func TestChatDeleteConfirmCycle(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("delete_task", map[string]any{"task_ref": "call mom"}),
	}}
	o, db := newTestEnv(t, inv, testConfig())
	seedOwnerTask(t, db, "owner-1", "Call mom")
	seedOwnerTask(t, db, "owner-1", "Buy milk")

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "delete the call mom task"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Status != models.ToolCallProposed {
		t.Fatalf("delete should wait as proposed, got %+v", resp.ToolCalls)
	}
	if len(listTasks(t, db, "owner-1")) != 2 {
		t.Fatal("nothing may be deleted before confirmation")
	}

	confirmed, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: resp.ConversationID,
		ToolCallID:     resp.ToolCalls[0].ID,
		Decision:       models.DecisionConfirm,
	})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.ToolCalls[0].Status != models.ToolCallExecuted {
		t.Errorf("expected executed after confirm, got %s", confirmed.ToolCalls[0].Status)
	}
	if len(listTasks(t, db, "owner-1")) != 1 {
		t.Error("confirmed delete should remove the task")
	}

	again, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: resp.ConversationID,
		ToolCallID:     resp.ToolCalls[0].ID,
		Decision:       models.DecisionConfirm,
	})
	if err != nil {
		t.Fatalf("repeated confirm should be a no-op, got error: %v", err)
	}
	if again.ToolCalls[0].Status != models.ToolCallExecuted {
		t.Errorf("repeated confirm must report the terminal state, got %s", again.ToolCalls[0].Status)
	}
	if len(listTasks(t, db, "owner-1")) != 1 {
		t.Error("repeated confirm must not mutate again")
	}
}

// Scenario: acting on another owner's resources always fails with an
// authorization or not-found error and performs zero mutation.
func TestChatCrossTenantIsRejected(t *testing.T) {
	foreign := func(t *testing.T, db *database.DB) *models.Task {
		return seedOwnerTask(t, db, "owner-1", "secret plans")
	}

	t.Run("explicit task id", func(t *testing.T) {
		inv := &scriptedInvoker{}
		o, db := newTestEnv(t, inv, testConfig())
		task := foreign(t, db)
		inv.replies = []*assistant.Reply{
			callReply("delete_task", map[string]any{"task_id": task.ID}),
		}

		_, err := o.Chat(context.Background(), "owner-2",
			models.ChatRequest{Message: "delete it"}, "")
		if !apperrors.Is(err, apperrors.KindAuthorization) {
			t.Fatalf("expected authorization error, got %v", err)
		}
		if len(listTasks(t, db, "owner-1")) != 1 {
			t.Error("cross-tenant attempt must not mutate")
		}
	})

	t.Run("foreign conversation", func(t *testing.T) {
		o, _ := newTestEnv(t, &scriptedInvoker{}, testConfig())
		first, err := o.Chat(context.Background(), "owner-1",
			models.ChatRequest{Message: "hello"}, "")
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}

		_, err = o.Chat(context.Background(), "owner-2",
			models.ChatRequest{ConversationID: first.ConversationID, Message: "hello"}, "")
		if !apperrors.Is(err, apperrors.KindAuthorization) {
			t.Fatalf("expected authorization error, got %v", err)
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		o, _ := newTestEnv(t, &scriptedInvoker{}, testConfig())
		_, err := o.Chat(context.Background(), "owner-2",
			models.ChatRequest{ConversationID: "nope", Message: "hello"}, "")
		if !apperrors.Is(err, apperrors.KindNotFound) {
			t.Fatalf("expected not-found, got %v", err)
		}
	})
}

// Scenario: a failed model invocation keeps the user message but writes no
// assistant message and no tool call records, so a retry proceeds cleanly.
func TestChatModelFailureLeavesTurnClean(t *testing.T) {
	inv := &scriptedInvoker{err: apperrors.New(apperrors.KindModelInvocation, "model timed out")}
	o, db := newTestEnv(t, inv, testConfig())

	conv, err := store.NewConversationStore(db).CreateConversation(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	_, err = o.Chat(context.Background(), "owner-1",
		models.ChatRequest{ConversationID: conv.ID, Message: "add buy milk"}, "")
	if !apperrors.Is(err, apperrors.KindModelInvocation) {
		t.Fatalf("expected model-invocation error, got %v", err)
	}

	messages, err := store.NewConversationStore(db).ListMessages(context.Background(), "owner-1", conv.ID, 0)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != models.RoleUser {
		t.Fatalf("expected only the persisted user message, got %+v", messages)
	}

	// Retry succeeds against the same conversation.
	inv.err = nil
	inv.replies = []*assistant.Reply{callReply("add_task", map[string]any{"title": "buy milk"})}
	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{ConversationID: conv.ID, Message: "add buy milk"}, "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if resp.ToolCalls[0].Status != models.ToolCallExecuted {
		t.Errorf("retry should execute, got %s", resp.ToolCalls[0].Status)
	}
}

func TestChatAutoConfirmPolicy(t *testing.T) {
	completeCall := func() *assistant.Reply {
		return callReply("complete_task", map[string]any{"task_ref": "buy milk"})
	}

	t.Run("auto policy executes exact matches", func(t *testing.T) {
		inv := &scriptedInvoker{replies: []*assistant.Reply{completeCall()}}
		o, db := newTestEnv(t, inv, testConfig())
		seedOwnerTask(t, db, "owner-1", "buy milk")

		resp, err := o.Chat(context.Background(), "owner-1",
			models.ChatRequest{Message: "complete buy milk"}, "")
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
		if resp.ToolCalls[0].Status != models.ToolCallExecuted {
			t.Errorf("expected executed, got %s", resp.ToolCalls[0].Status)
		}
		if !listTasks(t, db, "owner-1")[0].Completed {
			t.Error("task should be completed")
		}
	})

	t.Run("strict policy proposes", func(t *testing.T) {
		cfg := testConfig()
		cfg.AutoConfirmMutations = false
		inv := &scriptedInvoker{replies: []*assistant.Reply{completeCall()}}
		o, db := newTestEnv(t, inv, cfg)
		seedOwnerTask(t, db, "owner-1", "buy milk")

		resp, err := o.Chat(context.Background(), "owner-1",
			models.ChatRequest{Message: "complete buy milk"}, "")
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
		if resp.ToolCalls[0].Status != models.ToolCallProposed {
			t.Errorf("expected proposed, got %s", resp.ToolCalls[0].Status)
		}
		if listTasks(t, db, "owner-1")[0].Completed {
			t.Error("strict policy must not mutate before confirmation")
		}
	})

	t.Run("fuzzy match proposes even under auto policy", func(t *testing.T) {
		inv := &scriptedInvoker{replies: []*assistant.Reply{
			callReply("complete_task", map[string]any{"task_ref": "milk"}),
		}}
		o, db := newTestEnv(t, inv, testConfig())
		seedOwnerTask(t, db, "owner-1", "buy milk from the corner store")

		resp, err := o.Chat(context.Background(), "owner-1",
			models.ChatRequest{Message: "complete milk"}, "")
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
		if resp.ToolCalls[0].Status != models.ToolCallProposed {
			t.Errorf("fuzzy target should propose, got %s", resp.ToolCalls[0].Status)
		}
	})
}

func TestConfirmCancel(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("delete_task", map[string]any{"task_ref": "buy milk"}),
	}}
	o, db := newTestEnv(t, inv, testConfig())
	seedOwnerTask(t, db, "owner-1", "buy milk")

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "delete buy milk"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	cancelled, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: resp.ConversationID,
		ToolCallID:     resp.ToolCalls[0].ID,
		Decision:       models.DecisionCancel,
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.ToolCalls[0].Status != models.ToolCallCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.ToolCalls[0].Status)
	}
	if len(listTasks(t, db, "owner-1")) != 1 {
		t.Error("cancelled delete must not mutate")
	}

	// Confirming after cancel is a no-op on the terminal state.
	after, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: resp.ConversationID,
		ToolCallID:     resp.ToolCalls[0].ID,
		Decision:       models.DecisionConfirm,
	})
	if err != nil {
		t.Fatalf("confirm after cancel errored: %v", err)
	}
	if after.ToolCalls[0].Status != models.ToolCallCancelled {
		t.Errorf("status must never regress, got %s", after.ToolCalls[0].Status)
	}
}

func TestConfirmExpiredProposal(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationWindow = time.Nanosecond
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("delete_task", map[string]any{"task_ref": "buy milk"}),
	}}
	o, db := newTestEnv(t, inv, cfg)
	seedOwnerTask(t, db, "owner-1", "buy milk")

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "delete buy milk"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	expired, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: resp.ConversationID,
		ToolCallID:     resp.ToolCalls[0].ID,
		Decision:       models.DecisionConfirm,
	})
	if err != nil {
		t.Fatalf("confirm of expired proposal errored: %v", err)
	}
	if expired.ToolCalls[0].Status != models.ToolCallCancelled {
		t.Errorf("abandoned proposal should be cancelled, got %s", expired.ToolCalls[0].Status)
	}
	if len(listTasks(t, db, "owner-1")) != 1 {
		t.Error("abandoned proposal must never auto-execute")
	}
}

func TestConfirmValidation(t *testing.T) {
	o, _ := newTestEnv(t, &scriptedInvoker{}, testConfig())

	_, err := o.Confirm(context.Background(), "owner-1", models.ConfirmRequest{
		ConversationID: "c", ToolCallID: "t", Decision: "maybe",
	})
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("bad decision should fail validation, got %v", err)
	}

	_, err = o.Confirm(context.Background(), "", models.ConfirmRequest{Decision: models.DecisionConfirm})
	if !apperrors.Is(err, apperrors.KindAuthentication) {
		t.Errorf("missing identity should fail authentication, got %v", err)
	}
}

func TestChatIdempotencyKeyReplay(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("add_task", map[string]any{"title": "buy milk"}),
	}}
	o, db := newTestEnv(t, inv, testConfig())

	first, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "add buy milk"}, "key-1")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	second, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "add buy milk"}, "key-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Error("replay should return the original response")
	}
	if inv.calls != 1 {
		t.Errorf("replay must not re-invoke the model, got %d calls", inv.calls)
	}
	if len(listTasks(t, db, "owner-1")) != 1 {
		t.Error("replay must not duplicate the mutation")
	}
}

func TestChatRoundTripWithRuleEngine(t *testing.T) {
	o, _ := newTestEnv(t, assistant.NewRuleEngine(), testConfig())
	ctx := context.Background()

	resp, err := o.Chat(ctx, "owner-1", models.ChatRequest{Message: "add buy groceries"}, "")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if resp.ToolCalls[0].Status != models.ToolCallExecuted {
		t.Fatalf("add should execute, got %s", resp.ToolCalls[0].Status)
	}

	listed, err := o.Chat(ctx, "owner-1",
		models.ChatRequest{ConversationID: resp.ConversationID, Message: "show my tasks"}, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed.ToolCalls) != 1 || listed.ToolCalls[0].ToolName != "list_tasks" {
		t.Fatalf("expected a list_tasks call, got %+v", listed.ToolCalls)
	}
	if !contains(string(listed.ToolCalls[0].Result), "buy groceries") {
		t.Errorf("list result should include the created task, got %s", listed.ToolCalls[0].Result)
	}
}

func TestChatUnknownToolIsRecordedAsFailed(t *testing.T) {
	inv := &scriptedInvoker{replies: []*assistant.Reply{
		callReply("drop_database", map[string]any{}),
	}}
	o, _ := newTestEnv(t, inv, testConfig())

	resp, err := o.Chat(context.Background(), "owner-1",
		models.ChatRequest{Message: "do something weird"}, "")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Status != models.ToolCallFailed {
		t.Fatalf("unknown tool should yield a failed record, got %+v", resp.ToolCalls)
	}
}

func TestChatValidatesInput(t *testing.T) {
	o, _ := newTestEnv(t, &scriptedInvoker{}, testConfig())

	_, err := o.Chat(context.Background(), "owner-1", models.ChatRequest{Message: "   "}, "")
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("blank message should fail validation, got %v", err)
	}
	_, err = o.Chat(context.Background(), "", models.ChatRequest{Message: "hi"}, "")
	if !apperrors.Is(err, apperrors.KindAuthentication) {
		t.Errorf("missing identity should fail authentication, got %v", err)
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
