package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"todo-sync/commands"
	"todo-sync/domain"
)

const idempotencyHeader = "Idempotency-Key"

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type createRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type commandResponse struct {
	ID        int64        `json:"id,omitempty"`
	Task      *domain.Task `json:"task,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

type errorResponse struct {
	Error domain.CommandError `json:"error"`
}

func (s *Server) getTasks(c echo.Context) error {
	tasks, err := s.store.FetchTasks(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

func (s *Server) postTask(c echo.Context) error {
	var req createRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	ctx, cancel := s.commandContext(c.Request().Context())
	defer cancel()
	res, err := s.cmds.Create(ctx, commands.CreateTask{
		RequestID:   c.Request().Header.Get(idempotencyHeader),
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		return s.fail(c, err)
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, commandResponse{ID: res.ID, Task: res.Task, Duplicate: res.Duplicate})
}

func (s *Server) patchTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return s.fail(c, err)
	}
	ctx, cancel := s.commandContext(c.Request().Context())
	defer cancel()
	res, err := s.cmds.Update(ctx, commands.UpdateTask{
		RequestID: c.Request().Header.Get(idempotencyHeader),
		ID:        id,
		Patch:     patch,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, commandResponse{ID: res.ID, Task: res.Task, Duplicate: res.Duplicate})
}

func (s *Server) deleteTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return s.fail(c, err)
	}
	ctx, cancel := s.commandContext(c.Request().Context())
	defer cancel()
	if _, err := s.cmds.Delete(ctx, commands.DeleteTask{
		RequestID: c.Request().Header.Get(idempotencyHeader),
		ID:        id,
	}); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, postBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ValidationError{Field: "body", Reason: "invalid body"}
	}
	return nil
}

// fail maps a command error to its HTTP status.
func (s *Server) fail(c echo.Context, err error) error {
	kind := domain.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: domain.CommandError{Kind: kind, Message: err.Error()}})
}
