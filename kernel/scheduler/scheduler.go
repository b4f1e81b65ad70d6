// Package scheduler is the task core: a fixed-capacity task table, task
// creation from Go functions or ELF images, the per-tick round-robin context
// switch, and the reaper task that reclaims exited tasks.
//
// The machine is single-CPU and tasks only change at timer interrupts, so
// the table is unlocked. Every mutation that can race with a tick runs with
// interrupts disabled through the CPU interface.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

// Frames grants and reclaims physical frames.
type Frames interface {
	RequestFrames(n int) (pmm.PhysAddr, error)
	FreeFrames(addr pmm.PhysAddr, n int)
}

// AddressSpaces creates, switches and maps address spaces.
type AddressSpaces interface {
	Kernel() vmm.Space
	NewSpace() (vmm.Space, error)
	Destroy(s vmm.Space) error
	Activate(s vmm.Space)
	Map(s vmm.Space, pages int, flags vmm.Flags) (uintptr, error)
	Unmap(s vmm.Space, virt uintptr) error
	Window(s vmm.Space, virt uintptr, n int) ([]byte, error)
	PhysToVirt(p pmm.PhysAddr) uintptr
}

// FileReader reads a whole file into dst and returns the byte count.
type FileReader interface {
	ReadFile(path string, dst []byte) (int, error)
}

// ImageLoader loads an executable image into space and returns its entry.
type ImageLoader interface {
	Load(image []byte, space vmm.Space) (uintptr, error)
}

// CPU is what the core needs from the processor.
type CPU interface {
	// DisableInterrupts masks interrupts and returns a func that restores
	// the previous state.
	DisableInterrupts() (restore func())
	// Pause gives up the CPU until the next tick.
	Pause()
	// Jump transfers control to entry in the active address space.
	Jump(entry uintptr)
}

// ReturnPolicy decides what happens to a task whose entry returns.
type ReturnPolicy int

const (
	// ReturnHang parks the task forever; it stays scheduled but does nothing.
	ReturnHang ReturnPolicy = iota
	// ReturnExit marks the task exited with code 0 so the reaper collects it.
	ReturnExit
)

func (p ReturnPolicy) String() string {
	if p == ReturnExit {
		return "exit"
	}
	return "hang"
}

// ParseReturnPolicy accepts "hang" and "exit".
func ParseReturnPolicy(s string) (ReturnPolicy, error) {
	switch s {
	case "", "hang":
		return ReturnHang, nil
	case "exit":
		return ReturnExit, nil
	}
	return ReturnHang, fmt.Errorf("unknown return policy %q", s)
}

type Config struct {
	MaxTasks     int
	ScratchPages int
	ReturnPolicy ReturnPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxTasks:     MaxTasks,
		ScratchPages: ScratchPages,
		ReturnPolicy: ReturnHang,
	}
}

// Deps are the collaborators the core runs on. Files and Loader are only
// needed by SpawnELF.
type Deps struct {
	Frames Frames
	Spaces AddressSpaces
	Files  FileReader
	Loader ImageLoader
	CPU    CPU
	Log    *slog.Logger
}

type Scheduler struct {
	cfg Config

	frames Frames
	spaces AddressSpaces
	files  FileReader
	loader ImageLoader
	cpu    CPU

	table   *table
	current *Task
	nextID  TaskID
	inTick  bool

	reaper    TaskID
	hasReaper bool

	log *slog.Logger
}

func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.ScratchPages <= 0 {
		cfg.ScratchPages = def.ScratchPages
	}
	if deps.CPU == nil {
		deps.CPU = DefaultCPU()
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	return &Scheduler{
		cfg:    cfg,
		frames: deps.Frames,
		spaces: deps.Spaces,
		files:  deps.Files,
		loader: deps.Loader,
		cpu:    deps.CPU,
		table:  newTable(cfg.MaxTasks),
		log:    logging.Component(deps.Log, "scheduler"),
	}
}

// Init empties the table, releasing anything still in it, and spawns the
// reaper as the only task. It is also how a scheduler that shut down after its
// reaper exited is restarted.
func (s *Scheduler) Init() error {
	restore := s.cpu.DisableInterrupts()
	for _, t := range s.table.reset() {
		s.release(t)
	}
	s.current = nil
	s.hasReaper = false
	restore()

	id, err := s.Spawn("reaper", s.reaperMain)
	if err != nil {
		return fmt.Errorf("spawn reaper: %w", err)
	}
	s.reaper = id
	s.hasReaper = true
	running = s
	return nil
}

// CurrentTask returns the id of the task the last tick switched to.
func (s *Scheduler) CurrentTask() (TaskID, bool) {
	if s.current == nil {
		return 0, false
	}
	return s.current.ID, true
}

func (s *Scheduler) ReaperID() TaskID { return s.reaper }

func (s *Scheduler) Count() int { return s.table.count() }

func (s *Scheduler) Config() Config { return s.cfg }

// Tasks returns a snapshot of the table in order.
func (s *Scheduler) Tasks() []TaskInfo {
	out := make([]TaskInfo, 0, s.table.count())
	for _, t := range s.table.tasks {
		info := TaskInfo{ID: t.ID, Name: t.Name, Space: t.Space, State: TaskRunnable, ExitCode: t.ExitCode}
		switch {
		case t.Exited:
			info.State = TaskDead
		case t == s.current:
			info.State = TaskRunning
		}
		out = append(out, info)
	}
	return out
}

// RequestExit marks a task exited. The task keeps its resources and its
// slot until the reaper removes it.
func (s *Scheduler) RequestExit(id TaskID, code uint64) error {
	i := s.table.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNoTask, id)
	}
	s.requestExit(s.table.at(i), code)
	return nil
}

// ExitCurrent marks the running task exited.
func (s *Scheduler) ExitCurrent(code uint64) error {
	if s.current == nil {
		return ErrNoTask
	}
	s.requestExit(s.current, code)
	return nil
}

func (s *Scheduler) requestExit(t *Task, code uint64) {
	t.Exited = true
	t.ExitCode = code
	s.log.Debug("exit requested", "id", t.ID, "code", code)
}

// Alive reports whether id is still in the table.
func (s *Scheduler) Alive(id TaskID) bool { return s.table.indexOf(id) >= 0 }
