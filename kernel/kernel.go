// Package kernel boots the task core on the host: it builds the memory
// managers, mounts the boot volume, starts the scheduler and the tasks named
// in the boot manifest, and drives the simulated timer.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/fs/fat16"
	"github.com/dmarro89/go-dav-sched/internal/config"
	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/elf"
	"github.com/dmarro89/go-dav-sched/kernel/machine"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
	"github.com/dmarro89/go-dav-sched/kernel/scheduler"
)

// PhysBase is where usable physical memory starts.
const PhysBase pmm.PhysAddr = 0x100000

type Kernel struct {
	bootID  uuid.UUID
	frames  *pmm.Allocator
	spaces  *vmm.Manager
	volume  *fat16.Volume
	machine *machine.Machine
	sched   *scheduler.Scheduler

	failed int
	log    *slog.Logger
}

// Boot brings the kernel up. disk may be nil, in which case only built-in
// programs can be started. A task that fails to start is logged and skipped.
func Boot(cfg config.Config, disk ata.Device, log *slog.Logger) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := scheduler.ParseReturnPolicy(cfg.Scheduler.ReturnPolicy)
	if err != nil {
		return nil, err
	}

	k := &Kernel{bootID: uuid.New()}
	log = log.With("boot_id", k.bootID.String())
	k.log = logging.Component(log, "kernel")

	k.frames = pmm.New(PhysBase, cfg.Memory.Frames, log)
	k.spaces, err = vmm.New(k.frames, uintptr(cfg.Memory.HHDMOffset), log)
	if err != nil {
		return nil, fmt.Errorf("address spaces: %w", err)
	}

	deps := scheduler.Deps{
		Frames: k.frames,
		Spaces: k.spaces,
		Loader: elf.NewLoader(k.spaces, log),
		Log:    log,
	}
	if disk != nil {
		k.volume, err = fat16.Mount(disk, log)
		if err != nil {
			return nil, fmt.Errorf("mount boot volume: %w", err)
		}
		deps.Files = k.volume
	}

	k.machine = machine.New(machine.Config{TickPeriod: cfg.Scheduler.TickPeriod}, log)
	deps.CPU = k.machine
	k.sched = scheduler.New(scheduler.Config{
		MaxTasks:     cfg.MaxTasks,
		ReturnPolicy: policy,
	}, deps)
	k.machine.Attach(k.sched)

	if err := k.sched.Init(); err != nil {
		return nil, err
	}

	for _, t := range cfg.Tasks {
		id, err := k.RunProgram(t.Name, t.Args)
		if err != nil {
			k.failed++
			k.log.Warn("task not started", "name", t.Name, "error", err)
			continue
		}
		k.log.Info("task started", "name", t.Name, "id", id)
	}

	st := k.frames.Stats()
	k.log.Info("boot complete",
		"tasks", k.sched.Count(),
		"failed", k.failed,
		"free", humanize.IBytes(uint64(st.Free)*pmm.FrameSize),
	)
	return k, nil
}

// Run drives up to ticks timer interrupts.
func (k *Kernel) Run(ctx context.Context, ticks uint64) (machine.Stats, error) {
	return k.machine.Run(ctx, ticks)
}

// Shutdown stops the task goroutines left running after Run.
func (k *Kernel) Shutdown() { k.machine.Shutdown() }

func (k *Kernel) BootID() uuid.UUID { return k.bootID }

func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }

func (k *Kernel) Machine() *machine.Machine { return k.machine }

func (k *Kernel) Frames() pmm.Stats { return k.frames.Stats() }

// Failed returns how many manifest tasks could not be started.
func (k *Kernel) Failed() int { return k.failed }
