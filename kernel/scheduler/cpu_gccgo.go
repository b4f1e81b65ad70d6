//go:build gccgo

package scheduler

// Implemented in assembly and linked by the Makefile.
func cli() uint64
func restoreFlags(rflags uint64)
func pause()
func jump(entry uintptr)

type hwCPU struct{}

func (hwCPU) DisableInterrupts() func() {
	rflags := cli()
	return func() { restoreFlags(rflags) }
}

func (hwCPU) Pause() { pause() }

func (hwCPU) Jump(entry uintptr) { jump(entry) }

func DefaultCPU() CPU { return hwCPU{} }
