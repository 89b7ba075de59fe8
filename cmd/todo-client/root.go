package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"todo-sync/client"
	"todo-sync/domain"
)

type app struct {
	URL         string
	Origin      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Optimistic  bool
	Timeout     time.Duration
	Debug       bool
	NoColor     bool
}

func (a *app) options() client.Options {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	if a.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return client.Options{
		URL:    a.URL,
		Origin: a.Origin,
		Backoff: client.Backoff{
			BaseDelay:   a.BaseDelay,
			MaxDelay:    a.MaxDelay,
			MaxAttempts: a.MaxAttempts,
		},
		Optimistic: a.Optimistic,
		Logger:     logger,
	}
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	a := &app{}
	def := client.DefaultBackoff()

	cmd := &cobra.Command{
		Use:          "todo-client",
		Short:        "Shared to-do list client",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Follow the list live and edit it from stdin
  todo-client watch

  # Scriptable commands
  todo-client add "Buy milk" --description "2 liters"
  todo-client done 3
  todo-client list
`),
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.URL, "url", "ws://localhost:3001/ws", "server socket URL")
	flags.StringVar(&a.Origin, "origin", "", "Origin header sent with the socket upgrade")
	flags.IntVar(&a.MaxAttempts, "max-attempts", def.MaxAttempts, "reconnect attempts before giving up")
	flags.DurationVar(&a.BaseDelay, "base-delay", def.BaseDelay, "first reconnect delay")
	flags.DurationVar(&a.MaxDelay, "max-delay", def.MaxDelay, "reconnect delay cap")
	flags.BoolVar(&a.Optimistic, "optimistic", false, "apply changes locally before the server confirms them")
	flags.DurationVar(&a.Timeout, "timeout", 15*time.Second, "how long one-shot commands wait for the server")
	flags.BoolVar(&a.Debug, "debug", false, "log connection details")
	flags.BoolVar(&a.NoColor, "no-color", false, "disable colored output")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if a.NoColor {
			disableColor()
		}
	}

	cmd.AddCommand(
		newWatchCmd(a, stdin),
		newListCmd(a),
		newAddCmd(a),
		newDoneCmd(a, true),
		newDoneCmd(a, false),
		newEditCmd(a),
		newRemoveCmd(a),
	)
	return cmd
}

// session is a connected manager with its event stream.
type session struct {
	m      *client.Manager
	events <-chan client.Event
	stop   func()
}

func (s *session) Close() {
	s.stop()
	s.m.Close()
}

// connect starts a manager and waits for the first snapshot.
func connect(ctx context.Context, a *app) (*session, error) {
	m := client.New(a.options())
	events, stop := m.Subscribe()
	s := &session{m: m, events: events, stop: stop}
	if err := m.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, client.ErrClosed
			}
			switch {
			case ev.Kind == client.EventSnapshot:
				return s, nil
			case ev.Kind == client.EventState && ev.State == client.Failed:
				s.Close()
				return nil, fmt.Errorf("unable to connect to %s", a.URL)
			}
		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
		}
	}
}

// await waits for the acknowledgment of requestID.
func (s *session) await(ctx context.Context, requestID string) (domain.ServerMessage, error) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return domain.ServerMessage{}, client.ErrClosed
			}
			if ev.Kind == client.EventResult && ev.Message.RequestID == requestID {
				msg := *ev.Message
				if msg.Error != nil {
					return msg, commandError{msg.Error}
				}
				return msg, nil
			}
		case <-ctx.Done():
			return domain.ServerMessage{}, fmt.Errorf("no answer from server: %w", ctx.Err())
		}
	}
}

type commandError struct {
	err *domain.CommandError
}

func (e commandError) Error() string {
	if e.err.Kind == domain.KindTransient || e.err.Kind == domain.KindInternal {
		return "server error: " + e.err.Message
	}
	return e.err.Message
}

var errUsage = errors.New("usage")
