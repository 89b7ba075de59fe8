// Package client keeps a local copy of the task list in sync with the server
// over a WebSocket and reconnects with bounded exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"todo-sync/domain"
)

// ErrNotConnected is returned by commands issued while not connected.
var ErrNotConnected = errors.New("not connected")

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("client closed")

const (
	defaultDialTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
	eventBuffer        = 256
)

// Options configure a Manager.
type Options struct {
	// URL of the server's socket endpoint, e.g. ws://localhost:3001/ws.
	URL     string
	Origin  string
	Backoff Backoff
	// Optimistic applies commands to local state before the server confirms them.
	Optimistic  bool
	DialTimeout time.Duration
	Logger      *log.Logger
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventState EventKind = iota
	EventSnapshot
	EventChange
	EventResult
)

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind
	// State, Attempt and RetryIn are set for EventState.
	State   State
	Attempt int
	RetryIn time.Duration
	// Tasks is the full local list after a snapshot or change.
	Tasks []domain.Task
	// Message is the server message behind EventChange and EventResult.
	Message *domain.ServerMessage
}

// Manager owns one connection to the server and the local task list.
type Manager struct {
	opts   Options
	log    *log.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	machine  *Machine
	conn     *websocket.Conn
	tasks    *taskList
	inflight []domain.ClientMessage
	subs     map[chan Event]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	writeMu sync.Mutex
	wake    chan struct{}
}

// New creates a Manager. Nothing happens until Start.
func New(opts Options) *Manager {
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		opts:    opts,
		log:     logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.DialTimeout, Proxy: http.ProxyFromEnvironment},
		machine: NewMachine(opts.Backoff.MaxAttempts),
		tasks:   newTaskList(),
		subs:    make(map[chan Event]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Start connects in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.done != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.run(ctx)
	}(m.done)
	return nil
}

// Close disconnects and stops reconnecting.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
	m.mu.Unlock()
}

// Reconnect dials at once with a fresh attempt counter. It does nothing
// while connecting or connected.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	state := m.machine.State()
	m.mu.Unlock()
	if state != Disconnected && state != Failed {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State()
}

// Tasks returns the local task list in creation order.
func (m *Manager) Tasks() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.list()
}

// Subscribe returns a channel of events and a function to stop receiving them.
// Events are dropped for a subscriber that falls too far behind.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// CreateTask sends a create request and returns its request ID. The task
// appears locally when the server pushes it, or at once in optimistic mode.
func (m *Manager) CreateTask(title string, description *string) (string, error) {
	msg := domain.ClientMessage{Type: domain.MsgCreateTask, RequestID: uuid.NewString(), Title: &title, Description: description}
	return msg.RequestID, m.command(msg, func() {
		m.tasks.addPending(msg.RequestID, title, description, time.Now().UTC())
	})
}

// UpdateTask sends a partial update.
func (m *Manager) UpdateTask(id int64, patch domain.TaskPatch) (string, error) {
	msg := domain.ClientMessage{
		Type:        domain.MsgUpdateTask,
		RequestID:   uuid.NewString(),
		ID:          id,
		Title:       patch.Title,
		Description: patch.Description,
		Completed:   patch.Completed,
	}
	return msg.RequestID, m.command(msg, func() {
		if t, ok := m.tasks.get(id); ok {
			m.tasks.setLocal(patch.Apply(t))
		}
	})
}

// DeleteTask sends a delete request.
func (m *Manager) DeleteTask(id int64) (string, error) {
	msg := domain.ClientMessage{Type: domain.MsgDeleteTask, RequestID: uuid.NewString(), ID: id}
	return msg.RequestID, m.command(msg, func() {
		m.tasks.removeLocal(id)
	})
}

// RequestSnapshot asks the server for the full record set.
func (m *Manager) RequestSnapshot() error {
	m.mu.Lock()
	conn := m.connectedConn()
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, domain.ClientMessage{Type: domain.MsgRequestSnapshot})
}

// command tracks msg until acknowledged and applies the optimistic change.
func (m *Manager) command(msg domain.ClientMessage, optimistic func()) error {
	m.mu.Lock()
	conn := m.connectedConn()
	if conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.inflight = append(m.inflight, msg)
	var tasks []domain.Task
	if m.opts.Optimistic {
		optimistic()
		tasks = m.tasks.list()
	}
	m.mu.Unlock()

	if tasks != nil {
		m.emit(Event{Kind: EventChange, Tasks: tasks})
	}
	if err := m.write(conn, msg); err != nil {
		// Still in flight: it is re-sent once the connection is back.
		m.log.WithError(err).WithField("request_id", msg.RequestID).Debug("command send failed, queued for resend")
	}
	return nil
}

// connectedConn must be called with m.mu held.
func (m *Manager) connectedConn() *websocket.Conn {
	if m.machine.State() != Connected {
		return nil
	}
	return m.conn
}

func (m *Manager) write(conn *websocket.Conn, msg domain.ClientMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// fire applies a trigger and announces the resulting state.
func (m *Manager) fire(t Trigger) Action {
	m.mu.Lock()
	action, err := m.machine.Fire(t)
	state, attempts := m.machine.State(), m.machine.Attempts()
	var failed []domain.ClientMessage
	if action == ActionGiveUp {
		failed = m.inflight
		m.inflight = nil
		m.tasks.dropAllPending()
	}
	m.mu.Unlock()
	if err != nil {
		m.log.WithError(err).Warn("ignored connection trigger")
		return action
	}

	ev := Event{Kind: EventState, State: state, Attempt: attempts}
	if action == ActionWait {
		ev.RetryIn = m.opts.Backoff.Delay(attempts)
	}
	m.log.WithFields(log.Fields{"state": state, "trigger": t, "attempt": attempts}).Debug("connection state")
	m.emit(ev)

	for _, msg := range failed {
		res := domain.ResultMessage(msg.RequestID, msg.ID, false,
			domain.TransientStoreError{Op: msg.Type, Err: errors.New("unable to connect")})
		m.emit(Event{Kind: EventResult, Message: &res})
	}
	return action
}

func (m *Manager) run(ctx context.Context) {
	action := m.fire(TriggerStart)
	for {
		switch action {
		case ActionDial:
			conn, err := m.dial(ctx)
			if ctx.Err() != nil {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				m.log.WithError(err).Warn("connect failed")
				action = m.fire(TriggerDialFailed)
				continue
			}
			if !m.connected(conn) {
				return
			}
			err = m.readLoop(conn)
			m.disconnected(conn)
			if ctx.Err() != nil {
				return
			}
			m.log.WithError(err).Warn("connection lost")
			action = m.fire(TriggerDropped)

		case ActionWait:
			m.mu.Lock()
			delay := m.opts.Backoff.Delay(m.machine.Attempts())
			m.mu.Unlock()
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				action = m.fire(TriggerRetry)
			case <-m.wake:
				timer.Stop()
				action = m.fire(TriggerManualReconnect)
			case <-ctx.Done():
				timer.Stop()
				return
			}

		case ActionGiveUp:
			m.log.Error("unable to connect, waiting for manual reconnect")
			select {
			case <-m.wake:
				action = m.fire(TriggerManualReconnect)
			case <-ctx.Done():
				return
			}

		default:
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if m.opts.Origin != "" {
		header = http.Header{"Origin": []string{m.opts.Origin}}
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", m.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// connected enters Connected, asks for the snapshot and re-sends every
// unacknowledged command with its original request ID. It reports false and
// closes conn when Close ran while the dial was finishing.
func (m *Manager) connected(conn *websocket.Conn) bool {
	select {
	case <-m.wake:
	default:
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	resend := append([]domain.ClientMessage(nil), m.inflight...)
	m.mu.Unlock()

	m.fire(TriggerDialed)
	if err := m.write(conn, domain.ClientMessage{Type: domain.MsgRequestSnapshot}); err != nil {
		m.log.WithError(err).Warn("request snapshot")
		_ = conn.Close()
		return true
	}
	for _, msg := range resend {
		if err := m.write(conn, msg); err != nil {
			m.log.WithError(err).Warn("resend command")
			_ = conn.Close()
			return true
		}
	}
	if len(resend) > 0 {
		m.log.WithField("commands", len(resend)).Info("re-sent unacknowledged commands")
	}
	return true
}

func (m *Manager) disconnected(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg domain.ServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			m.log.WithError(err).Warn("ignoring undecodable server message")
			continue
		}
		m.apply(msg)
	}
}

// apply folds one server message into local state.
func (m *Manager) apply(msg domain.ServerMessage) {
	m.mu.Lock()
	kind := EventChange
	resync := false
	switch msg.Type {
	case domain.MsgSnapshot:
		m.tasks.replace(msg.Tasks)
		kind = EventSnapshot
	case domain.MsgCreated, domain.MsgUpdated:
		if msg.Task == nil {
			m.mu.Unlock()
			m.log.WithField("type", msg.Type).Warn("push without task")
			return
		}
		m.tasks.upsert(*msg.Task)
	case domain.MsgDeleted:
		m.tasks.remove(msg.ID)
	case domain.MsgCommandResult:
		kind = EventResult
		resync = m.acknowledge(msg)
	default:
		m.mu.Unlock()
		m.log.WithField("type", msg.Type).Warn("ignoring unknown server message")
		return
	}
	tasks := m.tasks.list()
	m.mu.Unlock()

	m.emit(Event{Kind: kind, Tasks: tasks, Message: &msg})
	if resync {
		if err := m.RequestSnapshot(); err != nil {
			m.log.WithError(err).Debug("resync after failed command")
		}
	}
}

// acknowledge must be called with m.mu held. It reports whether local state
// must be resynced because an optimistic change was rejected.
func (m *Manager) acknowledge(msg domain.ServerMessage) bool {
	var cmd domain.ClientMessage
	for i, c := range m.inflight {
		if c.RequestID == msg.RequestID {
			cmd = c
			m.inflight = append(m.inflight[:i], m.inflight[i+1:]...)
			break
		}
	}
	if cmd.RequestID == "" || !m.opts.Optimistic {
		return false
	}
	if !msg.OK {
		m.tasks.dropPending(cmd.RequestID)
		return cmd.Type != domain.MsgCreateTask
	}
	if cmd.Type == domain.MsgCreateTask {
		if msg.Duplicate {
			// Already applied before a reconnect; the snapshot has the record.
			m.tasks.dropPending(cmd.RequestID)
		} else {
			m.tasks.resolvePending(cmd.RequestID, msg.ID)
		}
	}
	return false
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.WithField("kind", ev.Kind).Warn("subscriber too slow, event dropped")
		}
	}
}
