package client

import (
	"cmp"
	"slices"
	"time"

	"github.com/samber/lo"

	"todo-sync/domain"
)

// taskList is the client's view of the record set. Confirmed records come
// from the server; pending ones are optimistic creates keyed by request ID
// and carry a negative temporary ID.
type taskList struct {
	tasks   map[int64]domain.Task
	pending map[string]int64
	// pushed holds every ID the server announced while a create was pending.
	pushed   map[int64]struct{}
	nextTemp int64
}

func newTaskList() *taskList {
	return &taskList{
		tasks:   make(map[int64]domain.Task),
		pending: make(map[string]int64),
		pushed:  make(map[int64]struct{}),
	}
}

// replace swaps every confirmed record for the snapshot. Pending creates
// that have not been acknowledged yet survive.
func (l *taskList) replace(snapshot []domain.Task) {
	keep := lo.PickBy(l.tasks, func(id int64, _ domain.Task) bool { return id < 0 })
	l.tasks = lo.Assign(lo.SliceToMap(snapshot, func(t domain.Task) (int64, domain.Task) {
		return t.ID, t
	}), keep)
}

// upsert applies a created or updated push.
func (l *taskList) upsert(t domain.Task) {
	l.tasks[t.ID] = t
	l.notePushed(t.ID)
}

// remove applies a deleted push.
func (l *taskList) remove(id int64) {
	delete(l.tasks, id)
	l.notePushed(id)
}

// setLocal and removeLocal apply optimistic changes to confirmed records.
func (l *taskList) setLocal(t domain.Task) {
	l.tasks[t.ID] = t
}

func (l *taskList) removeLocal(id int64) {
	delete(l.tasks, id)
}

func (l *taskList) notePushed(id int64) {
	if len(l.pending) > 0 {
		l.pushed[id] = struct{}{}
	}
}

func (l *taskList) forgetPending(requestID string) {
	delete(l.pending, requestID)
	if len(l.pending) == 0 {
		clear(l.pushed)
	}
}

func (l *taskList) get(id int64) (domain.Task, bool) {
	t, ok := l.tasks[id]
	return t, ok
}

// addPending inserts an optimistic record for a create not yet acknowledged.
func (l *taskList) addPending(requestID, title string, description *string, now time.Time) domain.Task {
	l.nextTemp--
	t := domain.Task{ID: l.nextTemp, Title: title, Description: description, CreatedAt: now, UpdatedAt: now}
	l.tasks[t.ID] = t
	l.pending[requestID] = t.ID
	return t
}

// resolvePending re-keys an acknowledged create to its real ID. When the
// server already pushed anything for that ID, the push is authoritative and
// the pending record is dropped, even if the record is gone again.
func (l *taskList) resolvePending(requestID string, id int64) {
	tempID, ok := l.pending[requestID]
	if !ok {
		return
	}
	_, pushed := l.pushed[id]
	_, exists := l.tasks[id]
	t := l.tasks[tempID]
	delete(l.tasks, tempID)
	l.forgetPending(requestID)
	if pushed || exists || id <= 0 {
		return
	}
	t.ID = id
	l.tasks[id] = t
}

func (l *taskList) dropPending(requestID string) {
	if tempID, ok := l.pending[requestID]; ok {
		delete(l.tasks, tempID)
		l.forgetPending(requestID)
	}
}

func (l *taskList) dropAllPending() {
	for id := range l.pending {
		l.dropPending(id)
	}
}

// list returns the records in creation order.
func (l *taskList) list() []domain.Task {
	out := lo.Values(l.tasks)
	slices.SortFunc(out, func(a, b domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
