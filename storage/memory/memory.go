// Package memory is an in-process record store for local development and
// tests. Every committed write is published to listening connections with the
// same payload the Postgres trigger produces.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"

	"todo-sync/domain"
)

// ErrConnClosed is returned by a closed listening connection.
var ErrConnClosed = errors.New("memory: connection closed")

type row struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type changeEvent struct {
	Operation string `json:"operation"`
	Record    any    `json:"record"`
}

// Store keeps tasks in a map guarded by a mutex.
type Store struct {
	mu     sync.Mutex
	tasks  map[int64]domain.Task
	nextID int64
	last   time.Time
	now    func() time.Time
	conns  map[*Conn]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks: make(map[int64]domain.Task),
		now:   time.Now,
		conns: make(map[*Conn]struct{}),
	}
}

// tick returns a timestamp strictly after the previous one, truncated to
// microseconds like Postgres timestamptz.
func (s *Store) tick() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateTask inserts a new record and publishes an INSERT event.
func (s *Store) CreateTask(ctx context.Context, title string, description *string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	at := s.tick()
	t := domain.Task{ID: s.nextID, Title: title, Description: copyString(description), CreatedAt: at, UpdatedAt: at}
	s.tasks[t.ID] = t
	s.publish(domain.StoreInsert, toRow(t))
	return t, nil
}

// UpdateTask replaces the supplied fields and publishes an UPDATE event.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError{ID: id}
	}
	t = patch.Apply(t)
	t.UpdatedAt = s.tick()
	s.tasks[id] = t
	s.publish(domain.StoreUpdate, toRow(t))
	return t, nil
}

// DeleteTask removes the record and publishes a DELETE event.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return domain.NotFoundError{ID: id}
	}
	delete(s.tasks, id)
	s.publish(domain.StoreDelete, map[string]int64{"id": id})
	return nil
}

// FetchTasks returns every record, oldest first.
func (s *Store) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.Description = copyString(t.Description)
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Connect opens a connection that can LISTEN on the change channel.
func (s *Store) Connect(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Conn{store: s, signal: make(chan struct{}, 1), closed: make(chan struct{})}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

// CloseListeners terminates every open connection, as a server restart would.
func (s *Store) CloseListeners() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(context.Background())
	}
}

// publish must be called with s.mu held so events are queued in commit order.
func (s *Store) publish(op string, record any) {
	payload, err := sonic.Marshal(changeEvent{Operation: op, Record: record})
	if err != nil {
		return
	}
	for c := range s.conns {
		c.enqueue(domain.ChangeChannel, string(payload))
	}
}

func (s *Store) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func toRow(t domain.Task) row {
	return row{
		ID:          t.ID,
		Title:       t.Title,
		Description: copyString(t.Description),
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Conn mimics the subset of a pgx connection used by the change listener.
type Conn struct {
	store  *Store
	signal chan struct{}
	closed chan struct{}

	mu        sync.Mutex
	channels  map[string]struct{}
	queue     []*pgconn.Notification
	closeOnce sync.Once
}

// Exec understands LISTEN and UNLISTEN.
func (c *Conn) Exec(ctx context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	select {
	case <-c.closed:
		return pgconn.CommandTag{}, ErrConnClosed
	default:
	}
	fields := strings.Fields(sql)
	if len(fields) != 2 {
		return pgconn.CommandTag{}, errors.New("memory: unsupported statement")
	}
	channel := strings.Trim(fields[1], `"`)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch strings.ToUpper(fields[0]) {
	case "LISTEN":
		if c.channels == nil {
			c.channels = make(map[string]struct{})
		}
		c.channels[channel] = struct{}{}
	case "UNLISTEN":
		delete(c.channels, channel)
	default:
		return pgconn.CommandTag{}, errors.New("memory: unsupported statement")
	}
	return pgconn.CommandTag{}, nil
}

// WaitForNotification blocks until a notification is queued, the context ends
// or the connection is closed.
func (c *Conn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			n := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-c.closed:
			return nil, ErrConnClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close drops the connection. Safe to call more than once.
func (c *Conn) Close(context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.store.forget(c)
	})
	return nil
}

func (c *Conn) enqueue(channel, payload string) {
	c.mu.Lock()
	if _, ok := c.channels[channel]; !ok {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, &pgconn.Notification{Channel: channel, Payload: payload})
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}
