package domain

import "time"

// Limits keep the worst-case notification payload under the pg_notify cap of 8000 bytes.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 1000
)

// Task represents a single to-do entry persisted in the record store.
type Task struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Completed   *bool   `json:"completed,omitempty"`
}

// Empty reports whether no field was supplied.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil
}

// Apply returns a copy of t with the supplied fields replaced. Timestamps are not touched.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		d := *p.Description
		t.Description = &d
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	return t
}
