package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/assistant"
	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/gate"
	"taskpilot/internal/logging"
	"taskpilot/internal/models"
	"taskpilot/internal/resolver"
	"taskpilot/internal/store"
	"taskpilot/internal/tools"
)

// Orchestrator drives one chat turn end to end: reconstruct context, persist
// the user message, invoke the assistant, gate and execute proposals, persist
// the assistant turn. It keeps no per-conversation state in memory; any
// instance can serve any request, correctness comes from the stores.
type Orchestrator struct {
	db             *database.DB
	tasks          *store.TaskStore
	conversations  *store.ConversationStore
	registry       *tools.Registry
	confirmGate    *gate.Gate
	invoker        assistant.Invoker
	contextBuilder *ContextBuilder
	idempotency    *cache.Cache
}

// NewOrchestrator wires the turn pipeline against the given database
func NewOrchestrator(db *database.DB, registry *tools.Registry, invoker assistant.Invoker, cfg *config.Config) *Orchestrator {
	conversations := store.NewConversationStore(db)
	return &Orchestrator{
		db:            db,
		tasks:         store.NewTaskStore(db),
		conversations: conversations,
		registry:      registry,
		confirmGate: gate.New(gate.Policy{
			AutoConfirmMutations: cfg.AutoConfirmMutations,
			ConfirmationWindow:   cfg.ConfirmationWindow,
		}),
		invoker:        invoker,
		contextBuilder: NewContextBuilder(conversations, cfg.HistoryLimit),
		idempotency:    cache.New(cfg.IdempotencyTTL, 2*cfg.IdempotencyTTL),
	}
}

// Chat processes one user turn. idempotencyKey is optional; when supplied,
// replaying the same key within the TTL returns the original response without
// re-running the turn.
func (o *Orchestrator) Chat(ctx context.Context, owner string, req models.ChatRequest, idempotencyKey string) (*models.ChatResponse, error) {
	start := time.Now()
	response, err := o.chat(ctx, owner, req, idempotencyKey)

	if m := GetMetrics(); m != nil {
		m.ChatTurns.Inc()
		m.ChatTurnLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			m.ChatErrors.WithLabelValues(apperrors.KindOf(err).String()).Inc()
		}
	}
	return response, err
}

func (o *Orchestrator) chat(ctx context.Context, owner string, req models.ChatRequest, idempotencyKey string) (*models.ChatResponse, error) {
	if owner == "" {
		return nil, apperrors.Authentication("missing identity")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, apperrors.Validation("message cannot be empty")
	}

	cacheKey := ""
	if idempotencyKey != "" {
		cacheKey = owner + "\x00" + idempotencyKey
		if cached, found := o.idempotency.Get(cacheKey); found {
			return cached.(*models.ChatResponse), nil
		}
	}

	conv, err := o.resolveConversation(ctx, owner, req.ConversationID)
	if err != nil {
		return nil, err
	}
	logger := logging.WithTurn(conv.ID, owner)

	history, err := o.contextBuilder.Build(ctx, owner, conv.ID)
	if err != nil {
		return nil, err
	}

	if _, err := o.conversations.AppendMessage(ctx, conv, models.RoleUser, message); err != nil {
		return nil, err
	}
	history = append(history, assistant.TurnMessage{Role: models.RoleUser, Content: message})

	// A failed invocation leaves the turn half-open on purpose: the user
	// message stays persisted, nothing else is written, and a retry of the
	// same conversation proceeds cleanly.
	reply, err := o.invoker.Invoke(ctx, assistant.SystemPrompt, history, o.registry.Schemas())
	if m := GetMetrics(); m != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.ModelInvocations.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		logger.Error("assistant invocation failed", "error", err)
		return nil, err
	}

	response, err := o.persistTurn(ctx, logger, conv, reply)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		o.idempotency.Set(cacheKey, response, cache.DefaultExpiration)
	}
	return response, nil
}

// persistTurn runs the proposal pipeline and commits the assistant message
// together with every tool call record and every executed mutation in one
// transaction. No executed status can exist without its mutation.
func (o *Orchestrator) persistTurn(ctx context.Context, logger *slog.Logger, conv *models.Conversation, reply *assistant.Reply) (*models.ChatResponse, error) {
	var response *models.ChatResponse
	var authzErr error

	err := o.db.WithTx(ctx, func(tx *sql.Tx) error {
		tasks := o.tasks.WithTx(tx)
		convs := o.conversations.WithTx(tx)
		refs := resolver.New(tasks)

		records := make([]models.ToolCallRecord, 0, len(reply.Calls))
		var notes []string
		for _, call := range reply.Calls {
			record, note, fatal := o.processCall(ctx, logger, tasks, refs, conv, call)
			records = append(records, *record)
			if note != "" {
				notes = append(notes, note)
			}
			if fatal != nil && authzErr == nil {
				authzErr = fatal
			}
		}

		content := composeReply(reply.Content, notes)
		msg, err := convs.AppendMessage(ctx, conv, models.RoleAssistant, content)
		if err != nil {
			return err
		}
		for i := range records {
			records[i].MessageID = msg.ID
			if err := convs.InsertToolCall(ctx, &records[i]); err != nil {
				return err
			}
		}

		response = &models.ChatResponse{
			ConversationID: conv.ID,
			Reply:          content,
			ToolCalls:      records,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// A cross-tenant target still fails the request, but the turn itself is
	// recorded so the conversation stays coherent.
	if authzErr != nil {
		return nil, authzErr
	}
	return response, nil
}

// processCall takes one proposed invocation through resolution, validation,
// the confirmation gate, and (when cleared) execution. It always returns a
// record carrying the final in-memory status; the caller persists it.
func (o *Orchestrator) processCall(ctx context.Context, logger *slog.Logger, tasks *store.TaskStore, refs *resolver.Resolver, conv *models.Conversation, call assistant.ProposedCall) (*models.ToolCallRecord, string, error) {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	record := newToolCallRecord(conv, call.Name, args)

	tool, known := o.registry.Get(call.Name)
	if !known {
		failRecord(record, fmt.Sprintf("unknown tool %q", call.Name), nil)
		return record, "I tried to use a capability I don't have. Please rephrase.", nil
	}

	// Resolve an imprecise target before validation so the tool only ever
	// sees concrete ids. Calls without a target (add, list) are trivially
	// fully confident; only fuzzy resolution lowers confidence.
	confidence := gate.FullConfidence
	explicitID := stringValue(args, "task_id") != ""
	if ref := stringValue(args, "task_ref"); !explicitID && ref != "" {
		resolution, err := refs.Resolve(ctx, conv.OwnerID, ref)
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Kind == apperrors.KindAmbiguousReference {
				failRecord(record, appErr.Message, appErr.Candidates)
				o.countResolved(record)
				return record, clarifyingQuestion(ref, appErr.Candidates), nil
			}
			failRecord(record, err.Error(), nil)
			o.countResolved(record)
			return record, "Something went wrong while looking up that task.", nil
		}
		args = cloneArgs(args)
		delete(args, "task_ref")
		args["task_id"] = resolution.Task.ID
		confidence = resolution.Confidence
		record.Arguments = marshalArgs(args)
	}

	if err := o.registry.ValidateArgs(call.Name, args); err != nil {
		failRecord(record, err.Error(), nil)
		o.countResolved(record)
		return record, "That request had invalid details: " + apperrors.MessageOf(err), nil
	}

	// A caller-supplied id is checked for ownership before gating, so a
	// cross-tenant target fails here instead of parking as a proposal.
	if explicitID {
		id := stringValue(args, "task_id")
		if _, err := tasks.Get(ctx, conv.OwnerID, id); err != nil {
			if apperrors.Is(err, apperrors.KindNotFound) {
				if exists, exErr := tasks.Exists(ctx, id); exErr == nil && exists {
					failRecord(record, "not authorized", nil)
					o.countResolved(record)
					return record, "You don't have access to that task.",
						apperrors.Authorization("task belongs to another user")
				}
				failRecord(record, err.Error(), nil)
				o.countResolved(record)
				return record, "I couldn't find that task.", nil
			}
			failRecord(record, err.Error(), nil)
			o.countResolved(record)
			return record, "Something went wrong while looking up that task.", nil
		}
	}

	decision := o.confirmGate.Evaluate(tool, confidence)
	if m := GetMetrics(); m != nil {
		m.ToolCallsProposed.WithLabelValues(tool.Name, decision.String()).Inc()
	}
	if decision == gate.DecisionConfirm {
		logger.Info("tool call awaiting confirmation", "tool_call_id", record.ID, "tool", tool.Name)
		return record, fmt.Sprintf("This needs your confirmation before I run it (tool call %s).", record.ID), nil
	}

	result, err := tool.Execute(ctx, tasks, conv.OwnerID, args)
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind == apperrors.KindUnknown {
			err = apperrors.Wrap(apperrors.KindToolExecution, "tool execution failed", err)
		}
		logger.Warn("tool execution failed", "tool", tool.Name, "error", err)
		failRecord(record, apperrors.MessageOf(err), nil)
		o.countResolved(record)
		return record, "I couldn't complete that: " + apperrors.MessageOf(err), nil
	}

	now := time.Now().UTC()
	record.Status = models.ToolCallExecuted
	record.Result = json.RawMessage(result)
	record.ResolvedAt = &now
	o.countResolved(record)
	logger.Info("tool executed", "tool", tool.Name, "tool_call_id", record.ID)
	return record, "", nil
}

// Confirm resolves a pending proposal. Racing decisions are serialized by the
// store's conditional transition: exactly one wins, the loser observes the
// already-resolved state and is a no-op.
func (o *Orchestrator) Confirm(ctx context.Context, owner string, req models.ConfirmRequest) (*models.ChatResponse, error) {
	if owner == "" {
		return nil, apperrors.Authentication("missing identity")
	}
	if req.Decision != models.DecisionConfirm && req.Decision != models.DecisionCancel {
		return nil, apperrors.Newf(apperrors.KindValidation, "decision must be %q or %q",
			models.DecisionConfirm, models.DecisionCancel)
	}

	conv, err := o.resolveExistingConversation(ctx, owner, req.ConversationID)
	if err != nil {
		return nil, err
	}
	record, err := o.conversations.GetToolCall(ctx, owner, req.ToolCallID)
	if err != nil {
		return nil, err
	}
	if record.ConversationID != conv.ID {
		return nil, apperrors.NotFound("tool call not found")
	}

	// Already resolved: report the terminal state, change nothing.
	if record.Status.Terminal() {
		return o.confirmResponse(ctx, owner, conv, record.ID,
			fmt.Sprintf("That action was already %s.", record.Status))
	}

	// Abandoned proposals are reported and closed out, never auto-executed.
	if record.Status == models.ToolCallProposed && o.confirmGate.Expired(record.CreatedAt, time.Now()) {
		result, _ := json.Marshal(map[string]string{"error": "confirmation window expired"})
		if _, err := o.conversations.TransitionToolCall(ctx, owner, record.ID,
			models.ToolCallProposed, models.ToolCallCancelled, result); err != nil {
			return nil, err
		}
		return o.confirmResponse(ctx, owner, conv, record.ID,
			"That proposal expired without confirmation, so I cancelled it. Ask again if you still want it.")
	}

	if req.Decision == models.DecisionCancel {
		won, err := o.conversations.TransitionToolCall(ctx, owner, record.ID,
			models.ToolCallProposed, models.ToolCallCancelled, nil)
		if err != nil {
			return nil, err
		}
		reply := "Cancelled, nothing was changed."
		if !won {
			reply = "That action was already resolved."
		}
		return o.confirmResponse(ctx, owner, conv, record.ID, reply)
	}

	return o.executeConfirmed(ctx, owner, conv, record)
}

// executeConfirmed claims the proposal and runs it. The claim (proposed ->
// confirmed) is a separate conditional write; the execution and the final
// confirmed -> executed transition then commit atomically with the mutation.
func (o *Orchestrator) executeConfirmed(ctx context.Context, owner string, conv *models.Conversation, record *models.ToolCallRecord) (*models.ChatResponse, error) {
	tool, known := o.registry.Get(record.ToolName)
	if !known {
		result, _ := json.Marshal(map[string]string{"error": "tool no longer registered"})
		if _, err := o.conversations.TransitionToolCall(ctx, owner, record.ID,
			models.ToolCallProposed, models.ToolCallFailed, result); err != nil {
			return nil, err
		}
		return o.confirmResponse(ctx, owner, conv, record.ID, "That action is no longer available.")
	}

	won, err := o.conversations.TransitionToolCall(ctx, owner, record.ID,
		models.ToolCallProposed, models.ToolCallConfirmed, nil)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another request got there first. Report whatever state it left.
		return o.confirmResponse(ctx, owner, conv, record.ID, "That action was already resolved.")
	}

	var args map[string]any
	if err := json.Unmarshal(record.Arguments, &args); err != nil {
		result, _ := json.Marshal(map[string]string{"error": "stored arguments are unreadable"})
		if _, terr := o.conversations.TransitionToolCall(ctx, owner, record.ID,
			models.ToolCallConfirmed, models.ToolCallFailed, result); terr != nil {
			return nil, terr
		}
		return nil, apperrors.Wrap(apperrors.KindToolExecution, "stored arguments are unreadable", err)
	}

	var execErr error
	txErr := o.db.WithTx(ctx, func(tx *sql.Tx) error {
		tasks := o.tasks.WithTx(tx)
		convs := o.conversations.WithTx(tx)

		result, err := tool.Execute(ctx, tasks, owner, args)
		if err != nil {
			execErr = err
			return err
		}
		won, err := convs.TransitionToolCall(ctx, owner, record.ID,
			models.ToolCallConfirmed, models.ToolCallExecuted, result)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("tool call %s was resolved concurrently", record.ID)
		}
		_, err = convs.AppendMessage(ctx, conv, models.RoleAssistant,
			fmt.Sprintf("Confirmed and done: %s.", tool.DisplayName))
		return err
	})
	if txErr != nil {
		if execErr != nil {
			// The mutation rolled back; record the failure outside the
			// transaction so the terminal state is visible.
			result, _ := json.Marshal(map[string]string{"error": apperrors.MessageOf(execErr)})
			if _, terr := o.conversations.TransitionToolCall(ctx, owner, record.ID,
				models.ToolCallConfirmed, models.ToolCallFailed, result); terr != nil {
				return nil, terr
			}
			if apperrors.KindOf(execErr) == apperrors.KindUnknown {
				execErr = apperrors.Wrap(apperrors.KindToolExecution, "tool execution failed", execErr)
			}
			if updated, err := o.conversations.GetToolCall(ctx, owner, record.ID); err == nil {
				o.countResolved(updated)
			}
			return nil, execErr
		}
		return nil, txErr
	}

	updated, err := o.conversations.GetToolCall(ctx, owner, record.ID)
	if err != nil {
		return nil, err
	}
	o.countResolved(updated)
	return &models.ChatResponse{
		ConversationID: conv.ID,
		Reply:          fmt.Sprintf("Confirmed and done: %s.", tool.DisplayName),
		ToolCalls:      []models.ToolCallRecord{*updated},
	}, nil
}

// resolveConversation loads the owner's conversation, creating one when no id
// was supplied
func (o *Orchestrator) resolveConversation(ctx context.Context, owner, id string) (*models.Conversation, error) {
	if id == "" {
		return o.conversations.CreateConversation(ctx, owner)
	}
	return o.resolveExistingConversation(ctx, owner, id)
}

// resolveExistingConversation distinguishes a cross-tenant conversation from
// a plain miss, which the store deliberately cannot
func (o *Orchestrator) resolveExistingConversation(ctx context.Context, owner, id string) (*models.Conversation, error) {
	conv, err := o.conversations.GetConversation(ctx, owner, id)
	if apperrors.Is(err, apperrors.KindNotFound) {
		if exists, exErr := o.conversations.ConversationExists(ctx, id); exErr == nil && exists {
			return nil, apperrors.Authorization("conversation belongs to another user")
		}
	}
	return conv, err
}

func (o *Orchestrator) confirmResponse(ctx context.Context, owner string, conv *models.Conversation, toolCallID, reply string) (*models.ChatResponse, error) {
	record, err := o.conversations.GetToolCall(ctx, owner, toolCallID)
	if err != nil {
		return nil, err
	}
	return &models.ChatResponse{
		ConversationID: conv.ID,
		Reply:          reply,
		ToolCalls:      []models.ToolCallRecord{*record},
	}, nil
}

func (o *Orchestrator) countResolved(record *models.ToolCallRecord) {
	if !record.Status.Terminal() {
		return
	}
	if m := GetMetrics(); m != nil {
		m.ToolCallsResolved.WithLabelValues(record.ToolName, string(record.Status)).Inc()
	}
}

func newToolCallRecord(conv *models.Conversation, name string, args map[string]any) *models.ToolCallRecord {
	return &models.ToolCallRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		ToolName:       name,
		Arguments:      marshalArgs(args),
		Status:         models.ToolCallProposed,
		CreatedAt:      time.Now().UTC(),
	}
}

func failRecord(record *models.ToolCallRecord, message string, candidates []apperrors.Candidate) {
	payload := map[string]any{"error": message}
	if len(candidates) > 0 {
		payload["candidates"] = candidates
	}
	raw, _ := json.Marshal(payload)
	now := time.Now().UTC()
	record.Status = models.ToolCallFailed
	record.Result = raw
	record.ResolvedAt = &now
}

func clarifyingQuestion(ref string, candidates []apperrors.Candidate) string {
	if len(candidates) == 0 {
		return fmt.Sprintf("I couldn't find a task matching %q. Which task did you mean?", ref)
	}
	titles := make([]string, len(candidates))
	for i, c := range candidates {
		titles[i] = fmt.Sprintf("%q", c.Title)
	}
	return fmt.Sprintf("I found several tasks matching %q: %s. Which one did you mean?",
		ref, strings.Join(titles, ", "))
}

func composeReply(content string, notes []string) string {
	parts := make([]string, 0, 1+len(notes))
	if strings.TrimSpace(content) != "" {
		parts = append(parts, strings.TrimSpace(content))
	}
	parts = append(parts, notes...)
	if len(parts) == 0 {
		return "Done."
	}
	return strings.Join(parts, "\n\n")
}

func stringValue(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func cloneArgs(args map[string]any) map[string]any {
	clone := make(map[string]any, len(args))
	for k, v := range args {
		clone[k] = v
	}
	return clone
}

func marshalArgs(args map[string]any) json.RawMessage {
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
