// Package api exposes the push channel and the task endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-sync/commands"
	"todo-sync/domain"
	"todo-sync/stream"
)

// Hub tracks connected sessions.
type Hub interface {
	Add(s *stream.Session)
	Remove(id string)
	LoadAll(ctx context.Context, s *stream.Session) error
}

// Commands applies task mutations.
type Commands interface {
	Create(ctx context.Context, cmd commands.CreateTask) (commands.Result, error)
	Update(ctx context.Context, cmd commands.UpdateTask) (commands.Result, error)
	Delete(ctx context.Context, cmd commands.DeleteTask) (commands.Result, error)
}

// Storage reads tasks and reports store health.
type Storage interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	Ping(ctx context.Context) error
}

// Options tune connection handling.
type Options struct {
	// AllowedOrigin is matched against the Origin header of socket
	// upgrades. "*" allows any origin.
	AllowedOrigin  string
	SessionBuffer  int
	CommandTimeout time.Duration
	PingInterval   time.Duration
}

const (
	defaultCommandTimeout = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	writeWait             = 10 * time.Second
	maxMessageSize        = 16 << 10
	postBodyMaxSize       = 16 << 10
)

// Server holds the dependencies of every handler.
type Server struct {
	hub      Hub
	cmds     Commands
	store    Storage
	log      *log.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a Server. Zero options take defaults.
func NewServer(hub Hub, cmds Commands, store Storage, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = stream.DefaultBuffer
	}
	s := &Server{hub: hub, cmds: cmds, store: store, log: logger, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register wires up all routes on the provided Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.socket)
	e.GET("/api/stream", s.streamTasks)
	e.GET("/api/tasks", s.getTasks)
	e.POST("/api/tasks", s.postTask)
	e.PATCH("/api/tasks/:id", s.patchTask)
	e.DELETE("/api/tasks/:id", s.deleteTask)
	e.GET("/healthz", s.healthz)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.opts.AllowedOrigin == "*" {
		return true
	}
	ok := strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(s.opts.AllowedOrigin, "/"))
	if !ok {
		s.log.WithField("origin", origin).Warn("rejected socket origin")
	}
	return ok
}

// commandContext detaches a write from the connection that issued it.
func (s *Server) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.CommandTimeout)
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		return c.String(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.NoContent(http.StatusOK)
}
