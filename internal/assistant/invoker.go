package assistant

import (
	"context"
)

// TurnMessage is one entry of the reconstructed context window sent to the
// assistant, oldest first.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProposedCall is a tool invocation the assistant wants to make. Arguments
// are unvalidated at this point; the registry checks them before anything
// executes.
type ProposedCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Reply is the assistant's output for a single turn: conversational text,
// zero or more proposed tool calls, or both.
type Reply struct {
	Content string
	Calls   []ProposedCall
}

// Invoker produces the assistant's reply for one turn. Implementations must
// be safe for concurrent use. Failures are reported as model-invocation
// errors so the caller can decide about retries.
type Invoker interface {
	Invoke(ctx context.Context, system string, history []TurnMessage, toolSchemas []map[string]any) (*Reply, error)
}

// SystemPrompt frames every turn sent to the assistant.
const SystemPrompt = `You are a task management assistant. You help the user manage their personal task list through the provided tools.

Rules:
- Use the tools to create, list, update, complete and delete tasks. Never claim a change happened without calling a tool.
- When the user refers to a task loosely, pass the reference text as task_ref and let the system resolve it.
- Keep replies short and factual.`
