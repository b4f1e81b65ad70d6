package kernel

import (
	"fmt"
	"strconv"

	"github.com/dmarro89/go-dav-sched/kernel/scheduler"
)

// Program builds the body of a built-in task from its manifest arguments.
// Argument errors are reported before anything is allocated.
type Program func(k *Kernel, args []string) (func(), error)

var programs = map[string]Program{
	"idle":    idleProgram,
	"counter": counterProgram,
	"spin":    spinProgram,
}

// Programs returns the names of the built-in programs.
func Programs() []string {
	return []string{"counter", "idle", "spin"}
}

// RunProgram starts name as a task. Built-in names run as native tasks,
// anything else is loaded from the boot volume.
func (k *Kernel) RunProgram(name string, args []string) (scheduler.TaskID, error) {
	p, ok := programs[name]
	if !ok {
		if len(args) > 0 {
			return 0, fmt.Errorf("%s: executables take no arguments", name)
		}
		return k.sched.SpawnELF(name)
	}
	fn, err := p(k, args)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return k.sched.Spawn(name, fn)
}

func idleProgram(k *Kernel, args []string) (func(), error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("idle takes no arguments")
	}
	return func() {
		for {
			k.machine.Pause()
		}
	}, nil
}

// counter [ticks [code]] waits ticks timer ticks, then exits with code.
func counterProgram(k *Kernel, args []string) (func(), error) {
	ticks, code := 3, uint64(0)
	if len(args) > 2 {
		return nil, fmt.Errorf("counter takes at most 2 arguments")
	}
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad tick count %q", args[0])
		}
		ticks = n
	}
	if len(args) > 1 {
		c, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad exit code %q", args[1])
		}
		code = c
	}
	return func() {
		for i := 0; i < ticks; i++ {
			k.machine.Pause()
		}
		k.log.Debug("counter done", "ticks", ticks, "code", code)
		if err := k.sched.ExitCurrent(code); err != nil {
			k.log.Error("counter exit", "code", code, "err", err)
		}
	}, nil
}

// spin returns at once and leaves the rest to the return policy.
func spinProgram(k *Kernel, args []string) (func(), error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("spin takes no arguments")
	}
	return func() {}, nil
}
