package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"todo-sync/domain"
	"todo-sync/storage/memory"
)

// countingStore wraps the in-memory store and can be told to fail.
type countingStore struct {
	*memory.Store

	mu     sync.Mutex
	writes int
	fail   error
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memory.New()}
}

func (s *countingStore) before() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.fail
}

func (s *countingStore) CreateTask(ctx context.Context, title string, description *string) (domain.Task, error) {
	if err := s.before(); err != nil {
		return domain.Task{}, err
	}
	return s.Store.CreateTask(ctx, title, description)
}

func (s *countingStore) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	if err := s.before(); err != nil {
		return domain.Task{}, err
	}
	return s.Store.UpdateTask(ctx, id, patch)
}

func (s *countingStore) DeleteTask(ctx context.Context, id int64) error {
	if err := s.before(); err != nil {
		return err
	}
	return s.Store.DeleteTask(ctx, id)
}

func (s *countingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func newRedisDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, time.Hour), m
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func nullLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestCreateTrimsAndInserts(t *testing.T) {
	store := newCountingStore()
	h := New(store, nil, nullLogger())

	res, err := h.Create(context.Background(), CreateTask{Title: "  Buy milk  ", Description: strPtr("   ")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ID <= 0 || res.Task == nil || res.Task.Title != "Buy milk" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Task.Description != nil {
		t.Fatalf("blank description should be absent, got %q", *res.Task.Description)
	}
	if res.Task.Completed || !res.Task.UpdatedAt.Equal(res.Task.CreatedAt) {
		t.Fatalf("unexpected new task state %+v", res.Task)
	}
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		cmd   CreateTask
		field string
	}{
		{name: "empty", cmd: CreateTask{Title: ""}, field: "title"},
		{name: "whitespace", cmd: CreateTask{Title: " \t\n"}, field: "title"},
		{name: "long title", cmd: CreateTask{Title: strings.Repeat("é", domain.MaxTitleLength+1)}, field: "title"},
		{name: "long description", cmd: CreateTask{Title: "ok", Description: strPtr(strings.Repeat("x", domain.MaxDescriptionLength+1))}, field: "description"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newCountingStore()
			h := New(store, nil, nullLogger())
			_, err := h.Create(context.Background(), tc.cmd)
			var verr domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
			if store.writeCount() != 0 {
				t.Fatal("store must not be touched on validation failure")
			}
		})
	}
}

func TestCreateAcceptsMaxLengthInRunes(t *testing.T) {
	h := New(newCountingStore(), nil, nullLogger())
	if _, err := h.Create(context.Background(), CreateTask{Title: strings.Repeat("é", domain.MaxTitleLength)}); err != nil {
		t.Fatalf("title at the limit should be accepted: %v", err)
	}
}

func TestUpdateReplacesOnlySuppliedFields(t *testing.T) {
	store := newCountingStore()
	h := New(store, nil, nullLogger())
	ctx := context.Background()
	created, err := h.Create(ctx, CreateTask{Title: "Buy milk", Description: strPtr("2L")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := h.Update(ctx, UpdateTask{ID: created.ID, Patch: domain.TaskPatch{Completed: boolPtr(true)}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Task.Title != "Buy milk" || *res.Task.Description != "2L" || !res.Task.Completed {
		t.Fatalf("unexpected updated task %+v", res.Task)
	}
	if !res.Task.UpdatedAt.After(created.Task.UpdatedAt) {
		t.Fatal("expected UpdatedAt to increase")
	}

	res, err = h.Update(ctx, UpdateTask{ID: created.ID, Patch: domain.TaskPatch{Title: strPtr("  Buy oat milk ")}})
	if err != nil {
		t.Fatalf("update title: %v", err)
	}
	if res.Task.Title != "Buy oat milk" || !res.Task.Completed {
		t.Fatalf("unexpected task after title update %+v", res.Task)
	}
}

func TestUpdateErrors(t *testing.T) {
	store := newCountingStore()
	h := New(store, nil, nullLogger())
	ctx := context.Background()
	created, _ := h.Create(ctx, CreateTask{Title: "x"})

	_, err := h.Update(ctx, UpdateTask{ID: created.ID, Patch: domain.TaskPatch{Title: strPtr("  ")}})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("expected title ValidationError, got %v", err)
	}

	_, err = h.Update(ctx, UpdateTask{ID: 0, Patch: domain.TaskPatch{Completed: boolPtr(true)}})
	if !errors.As(err, &verr) || verr.Field != "id" {
		t.Fatalf("expected id ValidationError, got %v", err)
	}

	_, err = h.Update(ctx, UpdateTask{ID: created.ID, Patch: domain.TaskPatch{Description: strPtr(strings.Repeat("y", domain.MaxDescriptionLength+1))}})
	if !errors.As(err, &verr) || verr.Field != "description" {
		t.Fatalf("expected description ValidationError, got %v", err)
	}

	_, err = h.Update(ctx, UpdateTask{ID: 999, Patch: domain.TaskPatch{Completed: boolPtr(true)}})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.ID != 999 {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newCountingStore()
	h := New(store, nil, nullLogger())
	ctx := context.Background()
	created, _ := h.Create(ctx, CreateTask{Title: "x"})

	res, err := h.Delete(ctx, DeleteTask{ID: created.ID})
	if err != nil || res.ID != created.ID {
		t.Fatalf("delete: %+v %v", res, err)
	}
	_, err = h.Delete(ctx, DeleteTask{ID: created.ID})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError on second delete, got %v", err)
	}
	_, err = h.Update(ctx, UpdateTask{ID: created.ID, Patch: domain.TaskPatch{Completed: boolPtr(true)}})
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError updating deleted task, got %v", err)
	}
	tasks, _ := store.FetchTasks(ctx)
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %+v", tasks)
	}
}

func TestDuplicateRequestAppliedOnce(t *testing.T) {
	store := newCountingStore()
	dedupe, _ := newRedisDeduper(t)
	h := New(store, dedupe, nullLogger())
	ctx := context.Background()

	first, err := h.Create(ctx, CreateTask{RequestID: "req-1", Title: "once"})
	if err != nil || first.Duplicate {
		t.Fatalf("first create: %+v %v", first, err)
	}
	second, err := h.Create(ctx, CreateTask{RequestID: "req-1", Title: "once"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate acknowledgment for task %d, got %+v", first.ID, second)
	}
	if store.writeCount() != 1 {
		t.Fatalf("expected a single write, got %d", store.writeCount())
	}
	tasks, _ := store.FetchTasks(ctx)
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}

	del, err := h.Delete(ctx, DeleteTask{RequestID: "req-2", ID: first.ID})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	again, err := h.Delete(ctx, DeleteTask{RequestID: "req-2", ID: first.ID})
	if err != nil || !again.Duplicate || again.ID != del.ID {
		t.Fatalf("expected duplicate delete ack, got %+v %v", again, err)
	}
}

func TestFailedWriteReleasesRequestID(t *testing.T) {
	store := newCountingStore()
	dedupe, m := newRedisDeduper(t)
	h := New(store, dedupe, nullLogger())
	ctx := context.Background()

	store.fail = domain.TransientStoreError{Op: "create", Err: errors.New("connection reset")}
	_, err := h.Create(ctx, CreateTask{RequestID: "req-1", Title: "retry me"})
	var transient domain.TransientStoreError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientStoreError, got %v", err)
	}
	if m.Exists(requestKey("req-1")) {
		t.Fatal("request id should be released after a failed write")
	}

	store.fail = nil
	res, err := h.Create(ctx, CreateTask{RequestID: "req-1", Title: "retry me"})
	if err != nil || res.Duplicate {
		t.Fatalf("retry should be applied: %+v %v", res, err)
	}
}

func TestDeduperUnavailableStillWrites(t *testing.T) {
	store := newCountingStore()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	h := New(store, NewRedisDeduper(client, time.Hour), nullLogger())

	res, err := h.Create(context.Background(), CreateTask{RequestID: "req-1", Title: "x"})
	if err != nil || res.ID == 0 {
		t.Fatalf("expected write without dedupe: %+v %v", res, err)
	}
}

func TestRedisDeduperRecordsAppliedTask(t *testing.T) {
	dedupe, m := newRedisDeduper(t)
	ctx := context.Background()
	key := requestKey("k1")

	claimed, _, err := dedupe.Claim(ctx, "k1")
	if err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if key != "todo:cmd:k1" || !m.Exists(key) {
		t.Fatalf("expected redis key %q to exist", key)
	}
	if ttl := m.TTL(key); ttl != time.Hour {
		t.Fatalf("expected ttl %v, got %v", time.Hour, ttl)
	}
	if err := dedupe.Complete(ctx, "k1", 42); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ttl := m.TTL(key); ttl != time.Hour {
		t.Fatalf("complete should keep the ttl, got %v", ttl)
	}
	claimed, id, err := dedupe.Claim(ctx, "k1")
	if err != nil || claimed || id != 42 {
		t.Fatalf("expected duplicate of task 42, got %v %d %v", claimed, id, err)
	}
	if err := dedupe.Release(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Exists(key) {
		t.Fatal("expected key removed")
	}
	if err := dedupe.Complete(ctx, "k1", 7); err != nil {
		t.Fatalf("complete after release: %v", err)
	}
	if m.Exists(key) {
		t.Fatal("complete must not recreate a released key")
	}
}

func TestMemoryDeduperExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dedupe := NewMemoryDeduper(time.Minute)
	dedupe.now = func() time.Time { return now }
	ctx := context.Background()

	if claimed, _, _ := dedupe.Claim(ctx, "r"); !claimed {
		t.Fatal("first claim should succeed")
	}
	_ = dedupe.Complete(ctx, "r", 9)
	if claimed, id, _ := dedupe.Claim(ctx, "r"); claimed || id != 9 {
		t.Fatalf("expected duplicate of 9, got %v %d", claimed, id)
	}
	now = now.Add(2 * time.Minute)
	if claimed, _, _ := dedupe.Claim(ctx, "r"); !claimed {
		t.Fatal("expired request id should be claimable again")
	}
	_ = dedupe.Release(ctx, "r")
	if claimed, _, _ := dedupe.Claim(ctx, "r"); !claimed {
		t.Fatal("released request id should be claimable again")
	}
}

func TestRequestIDsTrackedWithoutRedis(t *testing.T) {
	store := newCountingStore()
	h := New(store, nil, nullLogger())
	ctx := context.Background()

	first, err := h.Create(ctx, CreateTask{RequestID: "resent", Title: "once"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := h.Create(ctx, CreateTask{RequestID: "resent", Title: "once"})
	if err != nil || !again.Duplicate || again.ID != first.ID {
		t.Fatalf("expected duplicate of %d, got %+v %v", first.ID, again, err)
	}
	if store.writeCount() != 1 {
		t.Fatalf("expected a single write, got %d", store.writeCount())
	}
	// Commands without a request ID are never deduplicated.
	for range 2 {
		if _, err := h.Create(ctx, CreateTask{Title: "anonymous"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if store.writeCount() != 3 {
		t.Fatalf("expected 3 writes, got %d", store.writeCount())
	}
}
