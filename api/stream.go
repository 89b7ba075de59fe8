package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"todo-sync/stream"
)

const keepaliveInterval = 30 * time.Second

// streamTasks is a read-only session over Server-Sent Events: a snapshot
// first, then every change.
func (s *Server) streamTasks(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	ctx := c.Request().Context()
	sess := stream.NewSession(s.opts.SessionBuffer)
	s.hub.Add(sess)
	defer s.hub.Remove(sess.ID)
	if err := s.hub.LoadAll(ctx, sess); err != nil {
		s.log.WithError(err).Error("stream snapshot failed")
		return c.String(http.StatusServiceUnavailable, "snapshot unavailable")
	}

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sess.Outbound():
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(msg); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
