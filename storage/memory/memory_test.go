package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"todo-sync/domain"
)

func TestStoreLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateTask(ctx, "Buy milk", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 || created.Completed || !created.UpdatedAt.Equal(created.CreatedAt) {
		t.Fatalf("unexpected created task %+v", created)
	}

	done := true
	updated, err := s.UpdateTask(ctx, created.ID, domain.TaskPatch{Completed: &done})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Buy milk" || !updated.Completed || !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("unexpected update %+v", updated)
	}

	if err := s.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var nf domain.NotFoundError
	if err := s.DeleteTask(ctx, created.ID); !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
	next, err := s.CreateTask(ctx, "Next", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if next.ID == created.ID {
		t.Fatalf("identifier reused")
	}
}

func TestStoreTimestampsStrictlyIncrease(t *testing.T) {
	s := New()
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, _ := s.CreateTask(ctx, "a", nil)
	b, _ := s.CreateTask(ctx, "b", nil)
	if !b.CreatedAt.After(a.CreatedAt) {
		t.Fatalf("expected strictly increasing timestamps")
	}
	u, _ := s.UpdateTask(ctx, a.ID, domain.TaskPatch{})
	if !u.UpdatedAt.After(a.UpdatedAt) {
		t.Fatalf("expected updatedAt to increase")
	}
	tasks, _ := s.FetchTasks(ctx)
	if len(tasks) != 2 || tasks[0].ID != a.ID || tasks[1].ID != b.ID {
		t.Fatalf("unexpected order %+v", tasks)
	}
}

func TestConnReceivesNotificationsInCommitOrder(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := s.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	if _, err := s.CreateTask(ctx, "before listen", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN "todo_changes"`); err != nil {
		t.Fatalf("listen: %v", err)
	}

	task, _ := s.CreateTask(ctx, "Buy milk", nil)
	_, _ = s.UpdateTask(ctx, task.ID, domain.TaskPatch{})
	_ = s.DeleteTask(ctx, task.ID)

	for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			t.Fatalf("wait %s: %v", op, err)
		}
		if n.Channel != domain.ChangeChannel || !strings.Contains(n.Payload, `"operation":"`+op+`"`) {
			t.Fatalf("expected %s, got %s", op, n.Payload)
		}
	}
}

func TestConnClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	conn, _ := s.Connect(ctx)
	if _, err := conn.Exec(ctx, "LISTEN todo_changes"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	s.CloseListeners()

	if _, err := conn.WaitForNotification(ctx); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN todo_changes"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected closed error from exec, got %v", err)
	}
}
