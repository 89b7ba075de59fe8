package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"todo-sync/domain"
)

// Store reads the full record set.
type Store interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
}

// invalidator is implemented by snapshot caches that must be dropped before
// a change is pushed.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Broadcaster owns the set of connected sessions and pushes change
// notifications and snapshots to them.
type Broadcaster struct {
	store Store
	log   *log.Logger

	// seq orders fan-outs and snapshots relative to each other.
	seq sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New returns an empty broadcaster reading snapshots from store.
func New(store Store, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{store: store, log: logger, sessions: make(map[string]*Session)}
}

// Add registers s for fan-out.
func (b *Broadcaster) Add(s *Session) {
	b.mu.Lock()
	b.sessions[s.ID] = s
	n := len(b.sessions)
	b.mu.Unlock()
	b.log.WithFields(log.Fields{"session": s.ID, "sessions": n}).Debug("session added")
}

// Remove unregisters and closes the session with the given id.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	n := len(b.sessions)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	b.log.WithFields(log.Fields{"session": id, "sessions": n}).Debug("session removed")
}

// Count returns the number of registered sessions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// CloseAll closes and drops every session.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// FanOut pushes n to every open session. Failures are never reported to the
// caller: closed sessions are skipped and sessions that cannot keep up are
// dropped so the client reconnects and resyncs.
func (b *Broadcaster) FanOut(ctx context.Context, n domain.Notification) {
	b.seq.Lock()
	defer b.seq.Unlock()

	b.invalidate(ctx)
	msg, err := sonic.Marshal(n.Message())
	if err != nil {
		b.log.WithError(err).Error("encode change notification")
		return
	}
	sent := b.deliver(msg)
	b.log.WithFields(log.Fields{"op": n.Op, "id": n.ID, "sessions": sent}).Debug("change fanned out")
}

// LoadAll sends the current snapshot to s only.
func (b *Broadcaster) LoadAll(ctx context.Context, s *Session) error {
	b.seq.Lock()
	defer b.seq.Unlock()

	msg, err := b.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.Send(msg); err != nil {
		if errors.Is(err, ErrSessionFull) {
			b.Remove(s.ID)
		}
		return fmt.Errorf("send snapshot: %w", err)
	}
	return nil
}

// Resync sends a fresh snapshot to every session.
func (b *Broadcaster) Resync(ctx context.Context) {
	b.seq.Lock()
	defer b.seq.Unlock()

	b.invalidate(ctx)
	msg, err := b.snapshot(ctx)
	if err != nil {
		// Sessions cannot be trusted to be current; make them reconnect.
		b.log.WithError(err).Error("resync snapshot failed, closing sessions")
		b.CloseAll()
		return
	}
	sent := b.deliver(msg)
	b.log.WithField("sessions", sent).Info("sessions resynced")
}

func (b *Broadcaster) snapshot(ctx context.Context) ([]byte, error) {
	tasks, err := b.store.FetchTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	msg, err := sonic.Marshal(domain.SnapshotMessage(tasks))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return msg, nil
}

func (b *Broadcaster) deliver(msg []byte) int {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		switch err := s.Send(msg); {
		case err == nil:
			sent++
		case errors.Is(err, ErrSessionFull):
			b.log.WithField("session", s.ID).Warn("session too slow, dropping")
			b.Remove(s.ID)
		}
	}
	return sent
}

func (b *Broadcaster) invalidate(ctx context.Context) {
	inv, ok := b.store.(invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx); err != nil {
		b.log.WithError(err).Warn("invalidate snapshot cache")
	}
}
