package scheduler

import (
	"errors"
	"fmt"

	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

// Spawn creates a task that runs fn in a fresh address space.
func (s *Scheduler) Spawn(name string, fn func()) (TaskID, error) {
	if fn == nil {
		return 0, s.spawnFailed("entry", name, ErrInvalidEntry)
	}
	if s.shutDown() {
		return 0, s.spawnFailed("shutdown", name, ErrShutdown)
	}
	if s.table.full() {
		return 0, s.spawnFailed("capacity", name, ErrCapacityExceeded)
	}

	t, err := s.allocTask(name)
	if err != nil {
		return 0, s.spawnFailed("allocation", name, err)
	}
	t.fn = fn
	return s.insert(t)
}

// SpawnELF reads the executable at path, loads it into a fresh address space
// and creates a task that starts at its entry point.
func (s *Scheduler) SpawnELF(path string) (TaskID, error) {
	if s.shutDown() {
		return 0, s.spawnFailed("shutdown", path, ErrShutdown)
	}
	if s.table.full() {
		return 0, s.spawnFailed("capacity", path, ErrCapacityExceeded)
	}
	if s.files == nil || s.loader == nil {
		return 0, s.spawnFailed("read", path, fmt.Errorf("%w: no file system or loader", ErrRead))
	}

	kernel := s.spaces.Kernel()
	size := s.cfg.ScratchPages * vmm.PageSize
	scratch, err := s.spaces.Map(kernel, s.cfg.ScratchPages, vmm.FlagWrite)
	if err != nil {
		return 0, s.spawnFailed("buffer", path, fmt.Errorf("%w: %w", ErrLoadBuffer, err))
	}
	defer func() {
		if err := s.spaces.Unmap(kernel, scratch); err != nil {
			s.log.Error("scratch buffer leak", "path", path, "err", err)
		}
	}()

	buf, err := s.spaces.Window(kernel, scratch, size)
	if err != nil {
		return 0, s.spawnFailed("buffer", path, fmt.Errorf("%w: %w", ErrLoadBuffer, err))
	}
	n, err := s.files.ReadFile(path, buf)
	if err != nil {
		return 0, s.spawnFailed("read", path, fmt.Errorf("%w: %w", ErrRead, err))
	}
	if n == 0 {
		return 0, s.spawnFailed("read", path, fmt.Errorf("%w: empty file", ErrRead))
	}

	t, err := s.allocTask(path)
	if err != nil {
		return 0, s.spawnFailed("allocation", path, err)
	}
	entry, err := s.loader.Load(buf[:n], t.Space)
	if err == nil && entry == 0 {
		err = ErrInvalidEntry
	}
	if err != nil {
		s.release(t)
		return 0, s.spawnFailed("load", path, fmt.Errorf("%w: %w", ErrImageLoad, err))
	}
	t.addr = entry
	return s.insert(t)
}

// shutDown reports whether the reaper has exited. Nothing would reap a task
// spawned after that, so spawning stays refused until the next Init.
func (s *Scheduler) shutDown() bool {
	if !s.hasReaper {
		return false
	}
	if s.table.count() == 0 {
		return true
	}
	r := s.table.at(0)
	return r.ID != s.reaper || r.Exited
}

// allocTask acquires the control block frame, the stack frame and an address
// space, and prepares a context that enters the trampoline. On failure
// everything acquired so far is released in reverse order.
func (s *Scheduler) allocTask(name string) (t *Task, err error) {
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}()

	tcb, err := s.frames.RequestFrames(1)
	if err != nil {
		return nil, fmt.Errorf("%w: control block: %w", ErrAllocation, err)
	}
	undo = append(undo, func() { s.frames.FreeFrames(tcb, 1) })

	stack, err := s.frames.RequestFrames(1)
	if err != nil {
		return nil, fmt.Errorf("%w: stack: %w", ErrAllocation, err)
	}
	undo = append(undo, func() { s.frames.FreeFrames(stack, 1) })

	space, err := s.spaces.NewSpace()
	if err != nil {
		return nil, fmt.Errorf("%w: address space: %w", ErrAllocation, err)
	}
	// A colliding handle belongs to a live task; it must not be destroyed here.
	if s.table.hasSpace(space) {
		return nil, fmt.Errorf("%w: 0x%x", ErrAddressSpaceCollision, uintptr(space))
	}

	sp := uint64(s.spaces.PhysToVirt(stack)) + StackSize
	sp &^= 15

	return &Task{
		Name:  name,
		Space: space,
		Context: Context{
			RIP:    uint64(trampolineAddr),
			RSP:    sp,
			CS:     KernelCS,
			SS:     KernelSS,
			RFLAGS: TaskRFLAGS,
		},
		tcb:   tcb,
		stack: stack,
	}, nil
}

func (s *Scheduler) insert(t *Task) (TaskID, error) {
	restore := s.cpu.DisableInterrupts()
	defer restore()

	t.ID = s.nextID
	if err := s.table.insert(t); err != nil {
		if errors.Is(err, ErrAddressSpaceCollision) {
			s.releaseFrames(t)
		} else {
			s.release(t)
		}
		return 0, s.spawnFailed("insert", t.Name, err)
	}
	s.nextID++
	s.log.Debug("task spawned", "id", t.ID, "name", t.Name, "space", t.Space, "native", t.Native())
	return t.ID, nil
}

// release returns a task's address space and both of its frames.
func (s *Scheduler) release(t *Task) {
	if err := s.spaces.Destroy(t.Space); err != nil {
		s.log.Error("destroy address space", "id", t.ID, "space", t.Space, "err", err)
	}
	s.releaseFrames(t)
}

func (s *Scheduler) releaseFrames(t *Task) {
	s.frames.FreeFrames(t.stack, 1)
	s.frames.FreeFrames(t.tcb, 1)
}

func (s *Scheduler) spawnFailed(stage, who string, err error) error {
	s.log.Error("spawn failed", "stage", stage, "task", who, "err", err)
	return fmt.Errorf("spawn %s: %w", who, err)
}
