package scheduler

import (
	"fmt"

	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

// table is the dense, ordered registry of live tasks. Entries [0, len) are
// always non-nil and cursor < len whenever len > 0.
type table struct {
	tasks  []*Task
	limit  int
	cursor int
	spaces map[vmm.Space]struct{}
}

func newTable(limit int) *table {
	return &table{
		tasks:  make([]*Task, 0, limit),
		limit:  limit,
		spaces: make(map[vmm.Space]struct{}),
	}
}

func (t *table) count() int { return len(t.tasks) }
func (t *table) full() bool { return len(t.tasks) >= t.limit }
func (t *table) at(i int) *Task { return t.tasks[i] }
func (t *table) next() *Task { return t.tasks[t.cursor] }

func (t *table) hasSpace(s vmm.Space) bool {
	_, ok := t.spaces[s]
	return ok
}

func (t *table) insert(task *Task) error {
	if t.full() {
		return ErrCapacityExceeded
	}
	if t.hasSpace(task.Space) {
		return ErrAddressSpaceCollision
	}
	t.tasks = append(t.tasks, task)
	t.spaces[task.Space] = struct{}{}
	return nil
}

// removeAt drops entry i and compacts the rest left. The cursor keeps
// pointing at the same task it pointed at before, or wraps to 0 if that task
// was the one removed from the end.
func (t *table) removeAt(i int) (*Task, error) {
	if i < 0 || i >= len(t.tasks) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, i, len(t.tasks))
	}
	task := t.tasks[i]
	copy(t.tasks[i:], t.tasks[i+1:])
	t.tasks[len(t.tasks)-1] = nil
	t.tasks = t.tasks[:len(t.tasks)-1]
	delete(t.spaces, task.Space)

	if i < t.cursor {
		t.cursor--
	}
	if t.cursor >= len(t.tasks) {
		t.cursor = 0
	}
	return task, nil
}

func (t *table) advance() {
	if len(t.tasks) == 0 {
		t.cursor = 0
		return
	}
	t.cursor = (t.cursor + 1) % len(t.tasks)
}

func (t *table) indexOf(id TaskID) int {
	for i, task := range t.tasks {
		if task.ID == id {
			return i
		}
	}
	return -1
}

// reset empties the table and returns what it held.
func (t *table) reset() []*Task {
	old := t.tasks
	t.tasks = make([]*Task, 0, t.limit)
	t.cursor = 0
	t.spaces = make(map[vmm.Space]struct{})
	return old
}
