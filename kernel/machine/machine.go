// Package machine simulates the single CPU and timer the scheduler runs on,
// so the kernel core can be booted on a development host.
//
// Each task body runs on its own goroutine, but only one of them is ever
// runnable: the machine hands the CPU to the current task after every tick
// and waits until it pauses. Task code therefore has to call Pause to let
// the next tick happen, the way a real task waits for the timer interrupt.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/scheduler"
)

// Scheduler is the part of the task core the machine drives.
type Scheduler interface {
	OnTick(frame *scheduler.Context)
	CurrentTask() (scheduler.TaskID, bool)
	Trampoline()
	Alive(id scheduler.TaskID) bool
	Count() int
	Sweep() int
	Tasks() []scheduler.TaskInfo
}

type Config struct {
	// TickPeriod spaces ticks out in wall-clock time. Zero runs flat out.
	TickPeriod time.Duration
}

// Stats summarizes a Run.
type Stats struct {
	Ticks    uint64
	Switches uint64
	Halted   bool
}

type runner struct {
	id     scheduler.TaskID
	resume chan struct{}
	exited chan struct{}
	killed bool
}

type Machine struct {
	cfg   Config
	sched Scheduler

	frame    scheduler.Context
	irqDepth int
	irqPeak  int

	tasks   map[scheduler.TaskID]*runner
	running *runner
	yield   chan struct{}
	last    scheduler.TaskID

	entries map[uintptr]func()
	stats   Stats

	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		tasks:   make(map[scheduler.TaskID]*runner),
		yield:   make(chan struct{}),
		entries: make(map[uintptr]func()),
		log:     logging.Component(log, "machine"),
	}
}

// Attach connects the scheduler. It is separate from New because the
// scheduler needs the machine as its CPU.
func (m *Machine) Attach(s Scheduler) { m.sched = s }

// Bind installs host code to run when a task jumps to entry. Loaded images
// cannot execute on the host, so this is how their behaviour is modelled.
func (m *Machine) Bind(entry uintptr, fn func()) { m.entries[entry] = fn }

func (m *Machine) DisableInterrupts() func() {
	m.irqDepth++
	if m.irqDepth > m.irqPeak {
		m.irqPeak = m.irqDepth
	}
	return func() { m.irqDepth-- }
}

// InterruptsEnabled reports whether no critical section is open.
func (m *Machine) InterruptsEnabled() bool { return m.irqDepth == 0 }

// Pause hands the CPU back until the task is scheduled again. Called outside
// a task it only yields the goroutine.
func (m *Machine) Pause() {
	r := m.running
	if r == nil {
		runtime.Gosched()
		return
	}
	m.yield <- struct{}{}
	<-r.resume
	if r.killed {
		runtime.Goexit()
	}
}

func (m *Machine) Jump(entry uintptr) {
	fn, ok := m.entries[entry]
	if !ok {
		m.log.Warn("no host code bound to entry, returning", "entry", fmt.Sprintf("0x%x", entry))
		return
	}
	fn()
}

// Run fires up to ticks timer interrupts. It returns early when the task
// table is empty or ctx is done.
func (m *Machine) Run(ctx context.Context, ticks uint64) (Stats, error) {
	if m.sched == nil {
		return m.stats, fmt.Errorf("machine: no scheduler attached")
	}
	var tc <-chan time.Time
	if m.cfg.TickPeriod > 0 {
		t := time.NewTicker(m.cfg.TickPeriod)
		defer t.Stop()
		tc = t.C
	}

	for n := uint64(0); n < ticks; n++ {
		if err := ctx.Err(); err != nil {
			return m.stats, err
		}
		if m.sched.Count() == 0 {
			m.stats.Halted = true
			break
		}
		if tc != nil {
			select {
			case <-ctx.Done():
				return m.stats, ctx.Err()
			case <-tc:
			}
		}
		m.Tick()
	}
	if m.sched.Count() == 0 {
		m.stats.Halted = true
	}
	return m.stats, nil
}

// Tick delivers one timer interrupt and runs the selected task until it
// pauses.
func (m *Machine) Tick() {
	m.stats.Ticks++
	m.sched.OnTick(&m.frame)

	id, ok := m.sched.CurrentTask()
	if ok {
		if id != m.last {
			m.stats.Switches++
			m.last = id
		}
		m.dispatch(id)
	}
	m.collect()
	m.halt()
}

func (m *Machine) dispatch(id scheduler.TaskID) {
	r := m.tasks[id]
	if r == nil {
		if uintptr(m.frame.RIP) != scheduler.TrampolineAddr() {
			panic(fmt.Sprintf("machine: task %d resumed at 0x%x without a runner", id, m.frame.RIP))
		}
		r = m.start(id)
	}

	m.running = r
	r.resume <- struct{}{}
	select {
	case <-m.yield:
	case <-r.exited:
		delete(m.tasks, id)
	}
	m.running = nil
}

func (m *Machine) start(id scheduler.TaskID) *runner {
	r := &runner{
		id:     id,
		resume: make(chan struct{}),
		exited: make(chan struct{}),
	}
	m.tasks[id] = r
	go func() {
		defer close(r.exited)
		<-r.resume
		m.sched.Trampoline()
	}()
	return r
}

// collect stops the goroutines of tasks the reaper removed.
func (m *Machine) collect() {
	for id, r := range m.tasks {
		if m.sched.Alive(id) {
			continue
		}
		r.killed = true
		close(r.resume)
		<-r.exited
		delete(m.tasks, id)
	}
}

// halt performs the final reap once the reaper has exited as the last task.
func (m *Machine) halt() {
	if m.sched.Count() != 1 {
		return
	}
	if t := m.sched.Tasks()[0]; t.State == scheduler.TaskDead {
		m.sched.Sweep()
		m.collect()
		m.log.Info("system halted", "ticks", m.stats.Ticks)
	}
}

// Shutdown stops every task goroutine still parked in Pause. The machine
// must not be run again afterwards.
func (m *Machine) Shutdown() {
	for id, r := range m.tasks {
		r.killed = true
		close(r.resume)
		<-r.exited
		delete(m.tasks, id)
	}
}

// Frame returns the live register frame.
func (m *Machine) Frame() scheduler.Context { return m.frame }

func (m *Machine) Stats() Stats { return m.stats }
