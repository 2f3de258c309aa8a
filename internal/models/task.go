package models

import (
	"strings"
	"time"
)

// Title and description limits, enforced at the store boundary
const (
	TaskTitleMaxLen       = 200
	TaskDescriptionMaxLen = 1000
)

// Task represents a single todo item owned by exactly one user
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusFilter selects which tasks a list operation returns
type StatusFilter string

const (
	StatusFilterAll       StatusFilter = "all"
	StatusFilterPending   StatusFilter = "pending"
	StatusFilterCompleted StatusFilter = "completed"
)

// ParseStatusFilter normalizes a user-supplied filter string, defaulting to "all"
func ParseStatusFilter(s string) StatusFilter {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(s))) {
	case StatusFilterPending:
		return StatusFilterPending
	case StatusFilterCompleted:
		return StatusFilterCompleted
	default:
		return StatusFilterAll
	}
}

// CreateTaskRequest is the request body for creating a task via the CRUD surface
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// UpdateTaskRequest carries the mutable task fields. Nil means "leave unchanged".
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// TaskUpdate is the store-level change set for a task
type TaskUpdate struct {
	Title       *string
	Description *string
	Completed   *bool
}

// IsEmpty reports whether the update would change nothing
func (u TaskUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Completed == nil
}
