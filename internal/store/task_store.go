package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// TaskStore owns persisted task records. Every operation that receives an id
// verifies the row's owner_id equals the caller's owner; a mismatch surfaces
// as NotFound so existence never leaks across tenants.
type TaskStore struct {
	db database.DBTX
}

// NewTaskStore creates a task store bound to db
func NewTaskStore(db database.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a copy of the store bound to the given transaction
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

// Create validates title/description and inserts a new task for owner
func (s *TaskStore) Create(ctx context.Context, owner, title, description string) (*models.Task, error) {
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Title:       title,
		Description: description,
		Completed:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, title, description, completed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		task.ID, task.OwnerID, task.Title, task.Description, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// List returns the owner's tasks, most recently created first
func (s *TaskStore) List(ctx context.Context, owner string, filter models.StatusFilter) ([]models.Task, error) {
	query := `SELECT id, owner_id, title, description, completed, created_at, updated_at
	          FROM tasks WHERE owner_id = ?`
	switch filter {
	case models.StatusFilterPending:
		query += ` AND completed = 0`
	case models.StatusFilterCompleted:
		query += ` AND completed = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &description, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Description = description.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get returns the owner's task by id
func (s *TaskStore) Get(ctx context.Context, owner, id string) (*models.Task, error) {
	var t models.Task
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, description, completed, created_at, updated_at
		 FROM tasks WHERE id = ? AND owner_id = ?`, id, owner).
		Scan(&t.ID, &t.OwnerID, &t.Title, &description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	t.Description = description.String
	return &t, nil
}

// Update applies the non-nil fields of update to the owner's task
func (s *TaskStore) Update(ctx context.Context, owner, id string, update models.TaskUpdate) (*models.Task, error) {
	task, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if err := validateTitle(title); err != nil {
			return nil, err
		}
		task.Title = title
	}
	if update.Description != nil {
		description := strings.TrimSpace(*update.Description)
		if err := validateDescription(description); err != nil {
			return nil, err
		}
		task.Description = description
	}
	if update.Completed != nil {
		task.Completed = *update.Completed
	}
	task.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		task.Title, task.Description, task.Completed, task.UpdatedAt, id, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, apperrors.NotFound("task not found")
	}
	return task, nil
}

// Delete removes the owner's task by id
func (s *TaskStore) Delete(ctx context.Context, owner, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("task not found")
	}
	return nil
}

// SetCompleted sets the completion flag on the owner's task
func (s *TaskStore) SetCompleted(ctx context.Context, owner, id string, value bool) (*models.Task, error) {
	return s.Update(ctx, owner, id, models.TaskUpdate{Completed: &value})
}

// Exists reports whether a task with this id exists for ANY owner. The
// orchestrator uses it to distinguish a cross-tenant access attempt from a
// plain miss; it must never be exposed below that layer.
func (s *TaskStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check task existence: %w", err)
	}
	return true, nil
}

func validateTitle(title string) error {
	if title == "" {
		return apperrors.Validation("title is required")
	}
	if len(title) > models.TaskTitleMaxLen {
		return apperrors.Newf(apperrors.KindValidation, "title must be 1-%d characters", models.TaskTitleMaxLen)
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > models.TaskDescriptionMaxLen {
		return apperrors.Newf(apperrors.KindValidation, "description must be %d characters or less", models.TaskDescriptionMaxLen)
	}
	return nil
}
