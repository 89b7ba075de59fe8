// Package commands validates and applies task mutations. Handlers only write
// to the store; every client, including the requester, learns about the
// resulting state from the change notification path.
package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"todo-sync/domain"
)

// Store applies single-row writes.
type Store interface {
	CreateTask(ctx context.Context, title string, description *string) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Deduper prevents a request from being applied twice.
type Deduper interface {
	// Claim reserves the request ID. It returns false for a request seen
	// before, with the task ID recorded for it (0 while still in progress).
	Claim(ctx context.Context, requestID string) (bool, int64, error)
	// Complete records the task ID an applied request produced.
	Complete(ctx context.Context, requestID string, id int64) error
	// Release forgets a claimed ID, used when the write fails.
	Release(ctx context.Context, requestID string) error
}

// DefaultDedupeTTL bounds how long request IDs are remembered.
const DefaultDedupeTTL = 24 * time.Hour

// CreateTask inserts a new, not completed task.
type CreateTask struct {
	RequestID   string
	Title       string  `json:"title" validate:"required,max=200"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

// UpdateTask replaces the fields supplied in Patch.
type UpdateTask struct {
	RequestID string
	ID        int64            `json:"id" validate:"gt=0"`
	Patch     domain.TaskPatch `json:"patch"`
}

// DeleteTask removes a task permanently.
type DeleteTask struct {
	RequestID string
	ID        int64 `json:"id" validate:"gt=0"`
}

// Result acknowledges an applied or deduplicated command.
type Result struct {
	ID        int64
	Task      *domain.Task
	Duplicate bool
}

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// Handler executes commands against the store.
type Handler struct {
	store    Store
	dedupe   Deduper
	validate *validator.Validate
	log      *log.Logger
}

// New creates a handler. A nil dedupe keeps request IDs in process.
func New(store Store, dedupe Deduper, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	if dedupe == nil {
		dedupe = NewMemoryDeduper(DefaultDedupeTTL)
	}
	return &Handler{store: store, dedupe: dedupe, validate: v, log: logger}
}

// Create validates and inserts a task. Title and description are trimmed; a
// blank description is stored as absent.
func (h *Handler) Create(ctx context.Context, cmd CreateTask) (res Result, err error) {
	ctx, m := startCommand(ctx, h.log, opCreate, cmd.RequestID)
	defer func() {
		m.SetID(res.ID)
		m.SetDuplicate(res.Duplicate)
		m.Finish(err)
	}()

	cmd.Title = strings.TrimSpace(cmd.Title)
	cmd.Description = trimOptional(cmd.Description, true)
	if err = h.check(cmd); err != nil {
		return Result{}, err
	}

	err = h.once(ctx, cmd.RequestID, &res, func() (int64, error) {
		task, err := h.store.CreateTask(ctx, cmd.Title, cmd.Description)
		if err != nil {
			return 0, err
		}
		res = Result{ID: task.ID, Task: &task}
		return task.ID, nil
	})
	return res, err
}

// Update validates and applies a partial update. Only supplied fields change;
// UpdatedAt is always refreshed.
func (h *Handler) Update(ctx context.Context, cmd UpdateTask) (res Result, err error) {
	ctx, m := startCommand(ctx, h.log, opUpdate, cmd.RequestID)
	m.SetID(cmd.ID)
	defer func() {
		m.SetDuplicate(res.Duplicate)
		m.Finish(err)
	}()

	if cmd.Patch.Title != nil {
		title := strings.TrimSpace(*cmd.Patch.Title)
		if title == "" {
			return Result{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		cmd.Patch.Title = &title
	}
	cmd.Patch.Description = trimOptional(cmd.Patch.Description, false)
	if err = h.check(cmd); err != nil {
		return Result{}, err
	}

	err = h.once(ctx, cmd.RequestID, &res, func() (int64, error) {
		task, err := h.store.UpdateTask(ctx, cmd.ID, cmd.Patch)
		if err != nil {
			return 0, err
		}
		res = Result{ID: task.ID, Task: &task}
		return task.ID, nil
	})
	if res.Duplicate {
		res.ID = cmd.ID
	}
	return res, err
}

// Delete removes a task.
func (h *Handler) Delete(ctx context.Context, cmd DeleteTask) (res Result, err error) {
	ctx, m := startCommand(ctx, h.log, opDelete, cmd.RequestID)
	m.SetID(cmd.ID)
	defer func() {
		m.SetDuplicate(res.Duplicate)
		m.Finish(err)
	}()

	if err = h.check(cmd); err != nil {
		return Result{}, err
	}
	err = h.once(ctx, cmd.RequestID, &res, func() (int64, error) {
		if err := h.store.DeleteTask(ctx, cmd.ID); err != nil {
			return 0, err
		}
		res = Result{ID: cmd.ID}
		return cmd.ID, nil
	})
	if res.Duplicate {
		res.ID = cmd.ID
	}
	return res, err
}

// once runs write unless requestID was already applied, in which case the
// result is a duplicate carrying the recorded task ID. A failed write
// releases the ID so the client may retry it.
func (h *Handler) once(ctx context.Context, requestID string, res *Result, write func() (int64, error)) error {
	if requestID == "" {
		_, err := write()
		return err
	}
	logger := h.log.WithField("request_id", requestID)
	claimed, id, err := h.dedupe.Claim(ctx, requestID)
	if err != nil {
		// Redis being down must not block writes.
		logger.WithError(err).Warn("dedupe unavailable")
		_, err := write()
		return err
	}
	if !claimed {
		*res = Result{ID: id, Duplicate: true}
		return nil
	}
	id, err = write()
	if err != nil {
		if rerr := h.dedupe.Release(context.WithoutCancel(ctx), requestID); rerr != nil {
			logger.WithError(rerr).Warn("release request id")
		}
		return err
	}
	if err := h.dedupe.Complete(context.WithoutCancel(ctx), requestID, id); err != nil {
		logger.WithError(err).Warn("record applied request")
	}
	return nil
}

func (h *Handler) check(cmd any) error {
	err := h.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.ValidationError{Field: "command", Reason: err.Error()}
	}
	fe := verrs[0]
	return domain.ValidationError{Field: fieldName(fe), Reason: reason(fe)}
}

func fieldName(fe validator.FieldError) string {
	// Namespace is "UpdateTask.patch.title"; drop the struct name.
	_, rest, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return strings.TrimPrefix(rest, "patch.")
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}

// trimOptional trims s. When blankIsAbsent is set an all-space value becomes nil.
func trimOptional(s *string, blankIsAbsent bool) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" && blankIsAbsent {
		return nil
	}
	return &v
}
