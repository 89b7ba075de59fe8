package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"todo-sync/api"
	"todo-sync/commands"
	"todo-sync/domain"
	"todo-sync/storage/memory"
	"todo-sync/stream"
	"todo-sync/subscription"
)

func newServer(t *testing.T) string {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := memory.New()
	hub := stream.New(store, logger)
	listener := subscription.New(func(ctx context.Context) (subscription.Conn, error) {
		return store.Connect(ctx)
	}, domain.ChangeChannel, hub, subscription.Retry{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger)
	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	e := echo.New()
	api.NewServer(hub, commands.New(store, nil, logger), store, logger, api.Options{AllowedOrigin: "*"}).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.CloseAll)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// syncBuffer is written by the command goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(""))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--url", url, "--no-color", "--timeout", "3s", "--max-attempts", "1", "--base-delay", "10ms"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOneShotCommands(t *testing.T) {
	url := newServer(t)

	out, err := run(t, url, "list")
	require.NoError(t, err)
	require.Equal(t, "no tasks\n", out)

	out, err = run(t, url, "add", "Buy milk", "--description", "2 liters")
	require.NoError(t, err)
	require.Equal(t, "created #1\n", out)

	out, err = run(t, url, "done", "1")
	require.NoError(t, err)
	require.Equal(t, "updated #1\n", out)

	out, err = run(t, url, "list")
	require.NoError(t, err)
	require.Contains(t, out, "Buy milk")
	require.Contains(t, out, "2 liters")
	require.Contains(t, out, "[x]")

	out, err = run(t, url, "rm", "1")
	require.NoError(t, err)
	require.Equal(t, "deleted #1\n", out)

	_, err = run(t, url, "rm", "1")
	require.EqualError(t, err, "task 1 not found")

	_, err = run(t, url, "add", "   ")
	require.ErrorContains(t, err, "title")
}

func TestOneShotFailsWithoutServer(t *testing.T) {
	_, err := run(t, "ws://127.0.0.1:1/ws", "list")
	require.ErrorContains(t, err, "unable to connect")
}

func TestEditRequiresAField(t *testing.T) {
	_, err := run(t, "ws://127.0.0.1:1/ws", "edit", "1")
	require.True(t, errors.Is(err, errUsage), "got %v", err)
}

func TestWatch(t *testing.T) {
	url := newServer(t)
	stdin, feed := io.Pipe()
	out := &syncBuffer{}

	cmd := newRootCmd(stdin)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--url", url, "--no-color", "watch"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(context.Background()) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "no tasks") }, 3*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(feed, "add Walk the dog | to the park\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "+ #1 [ ] Walk the dog (to the park)")
	}, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(feed, "done 1\nbogus\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "~ #1 [x] Walk the dog") && strings.Contains(s, `unknown command "bogus"`)
	}, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(feed, "quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not exit")
	}
	_ = feed.Close()
}

func TestParseLine(t *testing.T) {
	desc := "soon"
	empty := ""
	cases := []struct {
		line string
		want input
		err  bool
	}{
		{line: "add Buy milk", want: input{verb: "add", title: "Buy milk"}},
		{line: "add Buy milk | soon", want: input{verb: "add", title: "Buy milk", text: &desc}},
		{line: "  DONE 4 ", want: input{verb: "done", id: 4}},
		{line: "edit 2 New title", want: input{verb: "edit", id: 2, title: "New title"}},
		{line: "desc 2", want: input{verb: "desc", id: 2, text: &empty}},
		{line: "retry", want: input{verb: "retry"}},
		{line: "", want: input{}},
		{line: "add", err: true},
		{line: "rm x", err: true},
		{line: "rm 0", err: true},
		{line: "edit 2", err: true},
		{line: "shout", err: true},
	}
	for _, tc := range cases {
		got, err := parseLine(tc.line)
		if tc.err {
			require.Error(t, err, tc.line)
			continue
		}
		require.NoError(t, err, tc.line)
		require.Equal(t, tc.want, got, tc.line)
	}
}

func TestRenderTasksMarksPending(t *testing.T) {
	var out bytes.Buffer
	now := time.Now()
	renderTasks(&out, []domain.Task{
		{ID: 1, Title: "saved", CreatedAt: now, UpdatedAt: now},
		{ID: -1, Title: "local", CreatedAt: now, UpdatedAt: now},
	})
	require.Contains(t, out.String(), "saved")
	require.Contains(t, out.String(), "pending")
}
