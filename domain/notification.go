package domain

// ChangeChannel is the store-side notification topic written by the tasks trigger.
const ChangeChannel = "todo_changes"

// Operation is the kind of committed write a notification describes.
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

// Store-side operation names as emitted by the trigger (TG_OP).
const (
	StoreInsert = "INSERT"
	StoreUpdate = "UPDATE"
	StoreDelete = "DELETE"
)

// OperationFromStore maps a TG_OP value to an Operation.
func OperationFromStore(op string) (Operation, bool) {
	switch op {
	case StoreInsert:
		return OpCreated, true
	case StoreUpdate:
		return OpUpdated, true
	case StoreDelete:
		return OpDeleted, true
	}
	return "", false
}

// Notification describes one committed write. Task holds the post-write
// record for created and updated; ID is always set.
type Notification struct {
	Op   Operation
	ID   int64
	Task *Task
}

// Message converts the notification to the push message sent to sessions.
func (n Notification) Message() ServerMessage {
	switch n.Op {
	case OpDeleted:
		return ServerMessage{Type: MsgDeleted, ID: n.ID}
	case OpCreated:
		return ServerMessage{Type: MsgCreated, Task: n.Task}
	default:
		return ServerMessage{Type: MsgUpdated, Task: n.Task}
	}
}
