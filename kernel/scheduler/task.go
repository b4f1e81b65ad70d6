package scheduler

import (
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

const (
	StackSize = pmm.FrameSize
	MaxTasks  = 4096

	// ScratchPages is the size of the kernel-side buffer an ELF image is read
	// into before it is loaded.
	ScratchPages = 4
)

// Selector and flag values every new task starts with.
const (
	KernelCS   = 0x08
	KernelSS   = 0x10
	TaskRFLAGS = 0x202 // IF | reserved bit 1
)

type TaskID uint64

type TaskState int

const (
	TaskRunnable TaskState = iota
	TaskRunning
	TaskDead
)

func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskDead:
		return "dead"
	}
	return "unknown"
}

// Context is the register snapshot pushed by the timer interrupt stub, in
// push order. It is only meaningful while the task is not running.
type Context struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64

	RIP, CS, RFLAGS, RSP, SS uint64
}

type Task struct {
	ID       TaskID
	Name     string
	Space    vmm.Space
	Context  Context
	Exited   bool
	ExitCode uint64

	// Exactly one of fn and addr is set. addr is an entry point inside Space.
	fn   func()
	addr uintptr

	tcb   pmm.PhysAddr
	stack pmm.PhysAddr
}

// Native reports whether the task runs a Go function rather than a loaded
// image.
func (t *Task) Native() bool { return t.fn != nil }

// TaskInfo is a copy of a task's bookkeeping, safe to hand out.
type TaskInfo struct {
	ID       TaskID
	Name     string
	Space    vmm.Space
	State    TaskState
	ExitCode uint64
}
