package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesFalseCompleted(t *testing.T) {
	task := Task{ID: 1, Title: "Buy milk", CreatedAt: time.Unix(0, 0).UTC(), UpdatedAt: time.Unix(0, 0).UTC()}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), `"completed":false`) {
		t.Fatalf("expected completed field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), `"description":null`) {
		t.Fatalf("expected null description, got %s", payload)
	}
}

func TestPatchApplyOnlySuppliedFields(t *testing.T) {
	desc := "2 litres"
	task := Task{ID: 7, Title: "Buy milk", Description: &desc}
	done := true

	got := TaskPatch{Completed: &done}.Apply(task)

	if !got.Completed {
		t.Fatalf("expected completed to be set")
	}
	if got.Title != "Buy milk" || got.Description == nil || *got.Description != "2 litres" {
		t.Fatalf("unsupplied fields changed: %+v", got)
	}
	if (TaskPatch{}).Empty() != true || (TaskPatch{Completed: &done}).Empty() {
		t.Fatalf("unexpected Empty result")
	}
}

func TestNotificationMessage(t *testing.T) {
	task := &Task{ID: 3, Title: "x"}
	cases := []struct {
		n    Notification
		want string
	}{
		{Notification{Op: OpCreated, ID: 3, Task: task}, MsgCreated},
		{Notification{Op: OpUpdated, ID: 3, Task: task}, MsgUpdated},
		{Notification{Op: OpDeleted, ID: 3}, MsgDeleted},
	}
	for _, tc := range cases {
		msg := tc.n.Message()
		if msg.Type != tc.want {
			t.Fatalf("op %s: expected %s, got %s", tc.n.Op, tc.want, msg.Type)
		}
		if tc.n.Op == OpDeleted && (msg.ID != 3 || msg.Task != nil) {
			t.Fatalf("deleted message should carry only the id: %+v", msg)
		}
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		KindValidation: ValidationError{Field: "title", Reason: "required"},
		KindNotFound:   fmt.Errorf("update: %w", NotFoundError{ID: 4}),
		KindTransient:  TransientStoreError{Op: "insert", Err: errors.New("conn reset")},
		KindInternal:   errors.New("boom"),
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("expected %s for %v, got %s", want, err, got)
		}
	}
}

func TestResultMessage(t *testing.T) {
	ok := ResultMessage("r1", 9, false, nil)
	if !ok.OK || ok.Error != nil || ok.ID != 9 || ok.Type != MsgCommandResult {
		t.Fatalf("unexpected ack %+v", ok)
	}
	failed := ResultMessage("r2", 0, false, NotFoundError{ID: 5})
	if failed.OK || failed.Error == nil || failed.Error.Kind != KindNotFound {
		t.Fatalf("unexpected failure ack %+v", failed)
	}
}
