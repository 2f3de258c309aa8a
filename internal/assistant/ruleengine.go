package assistant

import (
	"context"
	"strings"
)

// RuleEngine is a deterministic, offline Invoker. It maps common task
// phrasings onto tool calls with simple keyword rules. It is selected when
// no model provider is configured and keeps the whole pipeline testable
// without network access.
type RuleEngine struct{}

func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

func (e *RuleEngine) Invoke(_ context.Context, _ string, history []TurnMessage, _ []map[string]any) (*Reply, error) {
	input := lastUserMessage(history)
	lower := strings.ToLower(strings.TrimSpace(input))
	if lower == "" {
		return &Reply{Content: "Tell me what to do with your tasks."}, nil
	}

	if call, ok := parseList(lower); ok {
		return &Reply{Content: "Here are your tasks.", Calls: []ProposedCall{call}}, nil
	}
	if call, ok := parseAdd(input, lower); ok {
		return &Reply{Content: "Adding that task.", Calls: []ProposedCall{call}}, nil
	}
	if call, ok := parseDelete(input, lower); ok {
		return &Reply{Content: "Deleting that task.", Calls: []ProposedCall{call}}, nil
	}
	if call, ok := parseComplete(input, lower); ok {
		return &Reply{Content: "Marking that task as done.", Calls: []ProposedCall{call}}, nil
	}
	if call, ok := parseUpdate(input, lower); ok {
		return &Reply{Content: "Updating that task.", Calls: []ProposedCall{call}}, nil
	}

	return &Reply{
		Content: "I can add, list, update, complete or delete tasks. For example: \"add buy milk\" or \"show my pending tasks\".",
	}, nil
}

func lastUserMessage(history []TurnMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

func parseList(lower string) (ProposedCall, bool) {
	if !strings.Contains(lower, "task") && !strings.Contains(lower, "todo") {
		return ProposedCall{}, false
	}
	listVerb := false
	for _, verb := range []string{"list", "show", "what are", "what's on", "see my"} {
		if strings.Contains(lower, verb) {
			listVerb = true
			break
		}
	}
	if !listVerb {
		return ProposedCall{}, false
	}

	filter := "all"
	switch {
	case strings.Contains(lower, "pending") || strings.Contains(lower, "open") || strings.Contains(lower, "unfinished"):
		filter = "pending"
	case strings.Contains(lower, "completed") || strings.Contains(lower, "done") || strings.Contains(lower, "finished"):
		filter = "completed"
	}
	return ProposedCall{Name: "list_tasks", Arguments: map[string]any{"status_filter": filter}}, true
}

func parseAdd(input, lower string) (ProposedCall, bool) {
	for _, prefix := range []string{"add a task to ", "add a task ", "add task ", "add ", "create a task to ", "create task ", "create ", "new task ", "remember to ", "i need to "} {
		if strings.HasPrefix(lower, prefix) {
			title := cleanRemainder(input[len(prefix):])
			if title == "" {
				return ProposedCall{}, false
			}
			return ProposedCall{Name: "add_task", Arguments: map[string]any{"title": title}}, true
		}
	}
	return ProposedCall{}, false
}

func parseDelete(input, lower string) (ProposedCall, bool) {
	for _, prefix := range []string{"delete the task ", "delete task ", "delete ", "remove the task ", "remove task ", "remove "} {
		if strings.HasPrefix(lower, prefix) {
			ref := cleanRemainder(input[len(prefix):])
			if ref == "" {
				return ProposedCall{}, false
			}
			return ProposedCall{Name: "delete_task", Arguments: map[string]any{"task_ref": ref}}, true
		}
	}
	return ProposedCall{}, false
}

func parseComplete(input, lower string) (ProposedCall, bool) {
	for _, prefix := range []string{"complete the task ", "complete task ", "complete ", "finish ", "i finished ", "i did ", "done with ", "mark "} {
		if strings.HasPrefix(lower, prefix) {
			ref := cleanRemainder(input[len(prefix):])
			// "mark X as done" keeps the trailing marker, strip it
			for _, suffix := range []string{" as done", " as completed", " done", " completed"} {
				if strings.HasSuffix(strings.ToLower(ref), suffix) {
					ref = strings.TrimSpace(ref[:len(ref)-len(suffix)])
					break
				}
			}
			if ref == "" {
				return ProposedCall{}, false
			}
			return ProposedCall{Name: "complete_task", Arguments: map[string]any{"task_ref": ref}}, true
		}
	}
	return ProposedCall{}, false
}

func parseUpdate(input, lower string) (ProposedCall, bool) {
	for _, prefix := range []string{"rename ", "update the task ", "update task ", "update ", "change "} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := input[len(prefix):]
		idx := strings.LastIndex(strings.ToLower(rest), " to ")
		if idx <= 0 {
			return ProposedCall{}, false
		}
		ref := cleanRemainder(rest[:idx])
		title := cleanRemainder(rest[idx+len(" to "):])
		if ref == "" || title == "" {
			return ProposedCall{}, false
		}
		return ProposedCall{Name: "update_task", Arguments: map[string]any{"task_ref": ref, "title": title}}, true
	}
	return ProposedCall{}, false
}

// cleanRemainder strips quotes and leading articles from extracted text.
func cleanRemainder(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")
	for _, article := range []string{"the task ", "task ", "a ", "the "} {
		if strings.HasPrefix(strings.ToLower(s), article) {
			s = s[len(article):]
			break
		}
	}
	return strings.TrimSpace(s)
}
