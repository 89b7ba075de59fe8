package api

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-sync/commands"
	"todo-sync/domain"
	"todo-sync/stream"
)

// socket upgrades the request and runs one session until either side hangs up.
func (s *Server) socket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		return nil
	}
	sess := stream.NewSession(s.opts.SessionBuffer)
	logger := s.log.WithFields(log.Fields{"session": sess.ID, "remote": c.RealIP()})
	s.hub.Add(sess)
	logger.Info("client connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop(conn, sess, logger)
	}()

	s.readLoop(c.Request().Context(), conn, sess, logger)

	s.hub.Remove(sess.ID)
	sess.Close()
	<-written
	logger.Info("client disconnected")
	return nil
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(conn *websocket.Conn, sess *stream.Session, logger *log.Entry) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.WithError(err).Debug("socket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.WithError(err).Debug("socket ping failed")
				return
			}
		case <-sess.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *stream.Session, logger *log.Entry) {
	pongWait := 2 * s.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("socket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg domain.ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			logger.WithError(err).Warn("ignoring undecodable client message")
			continue
		}
		s.dispatch(ctx, sess, msg, logger)
	}
}

// dispatch handles one request. Commands of a session run in the order they
// were received.
func (s *Server) dispatch(ctx context.Context, sess *stream.Session, msg domain.ClientMessage, logger *log.Entry) {
	if msg.Type == domain.MsgRequestSnapshot {
		if err := s.hub.LoadAll(ctx, sess); err != nil {
			// The client's backoff reconnects and asks again.
			logger.WithError(err).Error("snapshot failed, closing session")
			s.hub.Remove(sess.ID)
		}
		return
	}

	cmdCtx, cancel := s.commandContext(ctx)
	defer cancel()

	var (
		res commands.Result
		err error
	)
	switch msg.Type {
	case domain.MsgCreateTask:
		title := ""
		if msg.Title != nil {
			title = *msg.Title
		}
		res, err = s.cmds.Create(cmdCtx, commands.CreateTask{RequestID: msg.RequestID, Title: title, Description: msg.Description})
	case domain.MsgUpdateTask:
		res, err = s.cmds.Update(cmdCtx, commands.UpdateTask{RequestID: msg.RequestID, ID: msg.ID, Patch: msg.Patch()})
	case domain.MsgDeleteTask:
		res, err = s.cmds.Delete(cmdCtx, commands.DeleteTask{RequestID: msg.RequestID, ID: msg.ID})
	default:
		err = domain.ValidationError{Field: "type", Reason: "unknown message type " + msg.Type}
	}
	if err != nil {
		logger.WithError(err).WithField("type", msg.Type).Debug("command rejected")
	}
	s.reply(sess, domain.ResultMessage(msg.RequestID, res.ID, res.Duplicate, err), logger)
}

// reply sends a message to the session only.
func (s *Server) reply(sess *stream.Session, msg domain.ServerMessage, logger *log.Entry) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		logger.WithError(err).Error("encode reply")
		return
	}
	if err := sess.Send(data); errors.Is(err, stream.ErrSessionFull) {
		logger.Warn("session too slow, dropping")
		s.hub.Remove(sess.ID)
	}
}
