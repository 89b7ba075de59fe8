package domain

// Push messages, server to client.
const (
	MsgSnapshot      = "snapshot"
	MsgCreated       = "created"
	MsgUpdated       = "updated"
	MsgDeleted       = "deleted"
	MsgCommandResult = "commandResult"
)

// Requests, client to server.
const (
	MsgRequestSnapshot = "requestSnapshot"
	MsgCreateTask      = "createTask"
	MsgUpdateTask      = "updateTask"
	MsgDeleteTask      = "deleteTask"
)

// ServerMessage is the envelope for everything the server pushes to a session.
type ServerMessage struct {
	Type      string        `json:"type"`
	Tasks     []Task        `json:"tasks,omitempty"`
	Task      *Task         `json:"task,omitempty"`
	ID        int64         `json:"id,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	OK        bool          `json:"ok,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Error     *CommandError `json:"error,omitempty"`
}

// CommandError is the wire form of a failed command.
type CommandError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ClientMessage is the envelope for requests sent by a session.
type ClientMessage struct {
	Type        string  `json:"type"`
	RequestID   string  `json:"requestId,omitempty"`
	ID          int64   `json:"id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// Patch extracts the partial update carried by an updateTask request.
func (m ClientMessage) Patch() TaskPatch {
	return TaskPatch{Title: m.Title, Description: m.Description, Completed: m.Completed}
}

// SnapshotMessage builds a snapshot push. An empty record set omits "tasks";
// receivers treat a missing list as empty.
func SnapshotMessage(tasks []Task) ServerMessage {
	return ServerMessage{Type: MsgSnapshot, Tasks: tasks}
}

// ResultMessage acknowledges a command to the session that issued it.
func ResultMessage(requestID string, id int64, duplicate bool, err error) ServerMessage {
	msg := ServerMessage{Type: MsgCommandResult, RequestID: requestID, ID: id, Duplicate: duplicate}
	if err != nil {
		msg.Error = &CommandError{Kind: ErrorKind(err), Message: err.Error()}
		return msg
	}
	msg.OK = true
	return msg
}
