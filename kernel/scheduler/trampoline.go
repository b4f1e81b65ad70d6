package scheduler

import "unsafe"

// running is the scheduler the hardware trampoline reports to. The CPU lands
// in enterTrampoline with no arguments, so it has to be reachable from here.
// There is one CPU and so one scheduler per process: the most recent Init
// claims it. The host machine calls Trampoline directly and does not read it.
var running *Scheduler

// trampolineAddr is the RIP every new task context starts at.
var trampolineAddr = funcPC(enterTrampoline)

// TrampolineAddr returns the instruction pointer stored in fresh contexts.
func TrampolineAddr() uintptr { return trampolineAddr }

func enterTrampoline() {
	running.Trampoline()
}

// Trampoline runs on a task's own stack the first time it is scheduled. It
// commits the task's address space, calls its entry and, if the entry
// returns, applies the configured return policy and idles.
func (s *Scheduler) Trampoline() {
	t := s.current
	if t == nil {
		panic("scheduler: trampoline entered with no current task")
	}
	s.spaces.Activate(t.Space)

	if t.fn != nil {
		t.fn()
	} else {
		s.cpu.Jump(t.addr)
	}

	if s.cfg.ReturnPolicy == ReturnExit && !t.Exited {
		s.requestExit(t, 0)
	}
	s.log.Debug("task entry returned", "id", t.ID, "policy", s.cfg.ReturnPolicy)
	for {
		s.cpu.Pause()
	}
}

func funcPC(fn func()) uintptr {
	if fn == nil {
		return 0
	}
	fnVal := *(*uintptr)(unsafe.Pointer(&fn))
	if fnVal == 0 {
		return 0
	}
	return *(*uintptr)(unsafe.Pointer(fnVal))
}
