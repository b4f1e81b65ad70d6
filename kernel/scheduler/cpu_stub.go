//go:build !gccgo

package scheduler

import "runtime"

// Stub CPU for non-gccgo builds. Interrupts do not exist, Pause yields the
// goroutine and Jump returns at once, as if the image's entry had returned.
// The host simulator in kernel/machine replaces it with a real model.
type stubCPU struct{}

func (stubCPU) DisableInterrupts() func() { return func() {} }

func (stubCPU) Pause() { runtime.Gosched() }

func (stubCPU) Jump(entry uintptr) {}

func DefaultCPU() CPU { return stubCPU{} }
