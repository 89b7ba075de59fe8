package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"todo-sync/domain"
)

// storeEvent is the payload written by the tasks trigger.
type storeEvent struct {
	Operation string       `json:"operation"`
	Record    *storeRecord `json:"record"`
}

// storeRecord mirrors row_to_json(tasks).
type storeRecord struct {
	ID          int64      `json:"id"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Completed   bool       `json:"completed"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Decode parses a raw change payload. Any failure is a domain.MalformedEventError.
func Decode(payload string) (domain.Notification, error) {
	n, err := decode(payload)
	if err != nil {
		return domain.Notification{}, domain.MalformedEventError{Payload: payload, Err: err}
	}
	return n, nil
}

func decode(payload string) (domain.Notification, error) {
	var ev storeEvent
	if err := sonic.UnmarshalString(payload, &ev); err != nil {
		return domain.Notification{}, err
	}
	op, ok := domain.OperationFromStore(ev.Operation)
	if !ok {
		return domain.Notification{}, fmt.Errorf("unknown operation %q", ev.Operation)
	}
	if ev.Record == nil || ev.Record.ID <= 0 {
		return domain.Notification{}, errors.New("missing record id")
	}
	rec := ev.Record
	if op == domain.OpDeleted {
		return domain.Notification{Op: op, ID: rec.ID}, nil
	}
	if rec.Title == nil || rec.CreatedAt == nil || rec.UpdatedAt == nil {
		return domain.Notification{}, errors.New("incomplete record")
	}
	task := &domain.Task{
		ID:          rec.ID,
		Title:       *rec.Title,
		Description: rec.Description,
		Completed:   rec.Completed,
		CreatedAt:   rec.CreatedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
	}
	return domain.Notification{Op: op, ID: rec.ID, Task: task}, nil
}
