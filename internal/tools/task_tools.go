package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
)

// Target schema shared by the mutating tools. The model may supply either a
// concrete task_id or a free-text task_ref; refs are resolved against the
// owner's open tasks before the tool runs, so Execute only ever sees task_id.
var targetProperties = map[string]any{
	"task_id": map[string]any{
		"type":        "string",
		"description": "Exact id of the target task",
	},
	"task_ref": map[string]any{
		"type":        "string",
		"description": "Free-text reference to the target task, e.g. part of its title",
	},
}

var targetAnyOf = []any{
	map[string]any{"required": []any{"task_id"}},
	map[string]any{"required": []any{"task_ref"}},
}

func registerTaskTools(r *Registry) {
	mustRegister(r, addTaskTool())
	mustRegister(r, listTasksTool())
	mustRegister(r, updateTaskTool())
	mustRegister(r, deleteTaskTool())
	mustRegister(r, completeTaskTool())
}

func mustRegister(r *Registry, tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("tools: %v", err))
	}
}

func addTaskTool() *Tool {
	return &Tool{
		Name:        "add_task",
		DisplayName: "Add Task",
		Description: "Create a new task in the user's task list",
		Version:     1,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"minLength":   1,
					"maxLength":   models.TaskTitleMaxLen,
					"description": "Short title for the task",
				},
				"description": map[string]any{
					"type":        "string",
					"maxLength":   models.TaskDescriptionMaxLen,
					"description": "Optional longer description",
				},
			},
			"required":             []any{"title"},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string"},
				"title":  map[string]any{"type": "string"},
				"status": map[string]any{"const": "created"},
			},
		},
		Classification: ClassificationSensitive,
		Execute: func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error) {
			task, err := tasks.Create(ctx, owner, stringArg(args, "title"), stringArg(args, "description"))
			if err != nil {
				return nil, err
			}
			return marshalResult(map[string]any{
				"id":     task.ID,
				"title":  task.Title,
				"status": "created",
			})
		},
	}
}

func listTasksTool() *Tool {
	return &Tool{
		Name:        "list_tasks",
		DisplayName: "List Tasks",
		Description: "List the user's tasks, optionally filtered by completion status",
		Version:     1,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status_filter": map[string]any{
					"type":        "string",
					"enum":        []any{"all", "pending", "completed"},
					"description": "Which tasks to include, defaults to all",
				},
			},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tasks": map[string]any{"type": "array"},
				"count": map[string]any{"type": "integer"},
			},
		},
		Classification: ClassificationSafe,
		Execute: func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error) {
			filter := models.ParseStatusFilter(stringArg(args, "status_filter"))
			list, err := tasks.List(ctx, owner, filter)
			if err != nil {
				return nil, err
			}
			return marshalResult(map[string]any{
				"tasks": list,
				"count": len(list),
			})
		},
	}
}

func updateTaskTool() *Tool {
	return &Tool{
		Name:        "update_task",
		DisplayName: "Update Task",
		Description: "Change the title and/or description of an existing task",
		Version:     1,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": mergeProperties(targetProperties, map[string]any{
				"title": map[string]any{
					"type":        "string",
					"minLength":   1,
					"maxLength":   models.TaskTitleMaxLen,
					"description": "New title",
				},
				"description": map[string]any{
					"type":        "string",
					"maxLength":   models.TaskDescriptionMaxLen,
					"description": "New description",
				},
			}),
			"anyOf":                targetAnyOf,
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string"},
				"title":  map[string]any{"type": "string"},
				"status": map[string]any{"const": "updated"},
			},
		},
		Classification: ClassificationSensitive,
		Execute: func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error) {
			id, err := requireTaskID(args)
			if err != nil {
				return nil, err
			}
			update := models.TaskUpdate{}
			if v, ok := args["title"].(string); ok {
				update.Title = &v
			}
			if v, ok := args["description"].(string); ok {
				update.Description = &v
			}
			if update.IsEmpty() {
				return nil, apperrors.Validation("update_task requires a new title or description")
			}
			task, err := tasks.Update(ctx, owner, id, update)
			if err != nil {
				return nil, err
			}
			return marshalResult(map[string]any{
				"id":     task.ID,
				"title":  task.Title,
				"status": "updated",
			})
		},
	}
}

func deleteTaskTool() *Tool {
	return &Tool{
		Name:        "delete_task",
		DisplayName: "Delete Task",
		Description: "Permanently delete a task from the user's task list",
		Version:     1,
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           mergeProperties(targetProperties, nil),
			"anyOf":                targetAnyOf,
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string"},
				"status": map[string]any{"const": "deleted"},
			},
		},
		Classification: ClassificationSensitive,
		Destructive:    true,
		Execute: func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error) {
			id, err := requireTaskID(args)
			if err != nil {
				return nil, err
			}
			if err := tasks.Delete(ctx, owner, id); err != nil {
				return nil, err
			}
			return marshalResult(map[string]any{
				"id":     id,
				"status": "deleted",
			})
		},
	}
}

func completeTaskTool() *Tool {
	return &Tool{
		Name:        "complete_task",
		DisplayName: "Complete Task",
		Description: "Mark a task as completed",
		Version:     1,
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           mergeProperties(targetProperties, nil),
			"anyOf":                targetAnyOf,
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string"},
				"title":  map[string]any{"type": "string"},
				"status": map[string]any{"const": "completed"},
			},
		},
		Classification: ClassificationSensitive,
		Execute: func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error) {
			id, err := requireTaskID(args)
			if err != nil {
				return nil, err
			}
			task, err := tasks.SetCompleted(ctx, owner, id, true)
			if err != nil {
				return nil, err
			}
			return marshalResult(map[string]any{
				"id":     task.ID,
				"title":  task.Title,
				"status": "completed",
			})
		},
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func requireTaskID(args map[string]any) (string, error) {
	id := stringArg(args, "task_id")
	if id == "" {
		return "", apperrors.Validation("task reference was not resolved to an id")
	}
	return id, nil
}

func mergeProperties(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func marshalResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return raw, nil
}
