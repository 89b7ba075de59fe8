package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"todo-sync/domain"
)

// Conn is the part of a Postgres connection the listener needs. *pgx.Conn implements it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Connector opens a dedicated connection for listening.
type Connector func(ctx context.Context) (Conn, error)

// PgConnector dials Postgres with pgx.
func PgConnector(connStr string) Connector {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, connStr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Sink receives decoded notifications.
type Sink interface {
	FanOut(ctx context.Context, n domain.Notification)
	// Resync is called after a dropped subscription was re-established,
	// since events emitted in between are lost.
	Resync(ctx context.Context)
}

// Retry configures subscription establishment.
type Retry struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (r Retry) backoff() retry.Backoff {
	b := retry.NewExponential(r.BaseDelay)
	b = retry.WithCappedDuration(r.MaxDelay, b)
	return retry.WithMaxRetries(r.MaxRetries, b)
}

var (
	// ErrAlreadyStarted is returned by Start on a running or starting listener.
	ErrAlreadyStarted = errors.New("listener already started")
	// ErrStopped is returned by Start when Stop interrupted it.
	ErrStopped = errors.New("listener stopped")
)

const unlistenTimeout = 5 * time.Second

// Listener holds one dedicated subscription to the store's change channel
// and forwards every decoded event to its sink, in arrival order.
type Listener struct {
	connect Connector
	channel string
	sink    Sink
	retry   Retry
	log     *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	errCh  chan error
}

// New creates a listener for channel. It does not connect until Start.
func New(connect Connector, channel string, sink Sink, r Retry, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Listener{
		connect: connect,
		channel: channel,
		sink:    sink,
		retry:   r,
		log:     logger,
		errCh:   make(chan error, 1),
	}
}

// Start establishes the subscription, retrying while the store or channel is
// unavailable, then processes events in the background. The returned error
// is fatal: the process should not run without change propagation. Stop
// called while Start is still retrying aborts it.
func (l *Listener) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	subCtx, stopSub := context.WithCancel(ctx)
	unhook := context.AfterFunc(runCtx, stopSub)
	conn, err := l.subscribe(subCtx)
	unhook()
	stopSub()
	if err != nil {
		l.mu.Lock()
		if l.done == done {
			l.cancel, l.done = nil, nil
		}
		l.mu.Unlock()
		cancel()
		close(done)
		if runCtx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		return err
	}

	go func() {
		defer close(done)
		if err := l.run(runCtx, conn); err != nil {
			l.errCh <- err
		}
	}()
	l.log.WithField("channel", l.channel).Info("change listener started")
	return nil
}

// Err reports a failure to re-establish a dropped subscription.
func (l *Listener) Err() <-chan error {
	return l.errCh
}

// Stop unsubscribes, releases the connection and waits for the loop to exit.
// It also aborts a Start that is still subscribing. Calling it when not
// started is a no-op.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.log.WithField("channel", l.channel).Info("change listener stopped")
}

func (l *Listener) run(ctx context.Context, conn Conn) error {
	defer func() { l.release(conn) }()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WithError(err).Warn("change subscription lost, reconnecting")
			_ = conn.Close(context.Background())
			conn, err = l.subscribe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.log.WithError(err).Error("unable to re-establish change subscription")
				return err
			}
			l.sink.Resync(ctx)
			continue
		}
		if n.Channel != l.channel {
			continue
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	notification, err := Decode(payload)
	if err != nil {
		l.log.WithError(err).WithField("payload", truncate(payload, 256)).Warn("dropping malformed change event")
		return
	}
	l.log.WithFields(log.Fields{"op": notification.Op, "id": notification.ID}).Debug("change event")
	l.sink.FanOut(ctx, notification)
}

// subscribe opens a connection and issues LISTEN, retrying with capped
// exponential backoff.
func (l *Listener) subscribe(ctx context.Context) (Conn, error) {
	var conn Conn
	attempt := 0
	err := retry.Do(ctx, l.retry.backoff(), func(ctx context.Context) error {
		attempt++
		c, err := l.connect(ctx)
		if err != nil {
			l.log.WithError(err).WithField("attempt", attempt).Warn("change listener connect failed")
			return retry.RetryableError(err)
		}
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
			_ = c.Close(context.Background())
			l.log.WithError(err).WithField("attempt", attempt).Warn("change listener subscribe failed")
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, domain.TransientStoreError{Op: "listen", Err: fmt.Errorf("after %d attempts: %w", attempt, err)}
	}
	return conn, nil
}

func (l *Listener) release(conn Conn) {
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		l.log.WithError(err).Debug("unlisten failed")
	}
	if err := conn.Close(ctx); err != nil {
		l.log.WithError(err).Debug("close listener connection")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
