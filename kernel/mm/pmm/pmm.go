// Package pmm hands out fixed-size physical frames from a single contiguous
// region. On the host the region is backed by a byte slice so that code
// running "in" a frame can actually read and write it.
package pmm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/dmarro89/go-dav-sched/internal/logging"
)

const FrameSize = 4096

// PhysAddr is a physical address. Zero is never a valid frame.
type PhysAddr uintptr

var (
	ErrOutOfMemory = errors.New("pmm: out of memory")
	ErrBadRequest  = errors.New("pmm: bad request")
)

type Allocator struct {
	base   PhysAddr
	frames int
	bitmap []uint64
	mem    []byte
	free   int

	requested uint64
	freed     uint64

	log *slog.Logger
}

// Stats is a snapshot of allocator usage. Requested and Freed count frames
// over the lifetime of the allocator, which lets callers check that a
// sequence of operations is balanced.
type Stats struct {
	Total     int
	Free      int
	Requested uint64
	Freed     uint64
}

func New(base PhysAddr, frames int, log *slog.Logger) *Allocator {
	if base == 0 || base%FrameSize != 0 {
		panic(fmt.Sprintf("pmm: base 0x%x must be non-zero and frame aligned", uintptr(base)))
	}
	if frames <= 0 {
		panic("pmm: region must contain at least one frame")
	}
	a := &Allocator{
		base:   base,
		frames: frames,
		bitmap: make([]uint64, (frames+63)/64),
		mem:    make([]byte, frames*FrameSize),
		free:   frames,
		log:    logging.Component(log, "pmm"),
	}
	a.log.Debug("frame allocator ready",
		"base", fmt.Sprintf("0x%x", uintptr(base)),
		"frames", frames,
		"size", humanize.IBytes(uint64(frames)*FrameSize))
	return a
}

func (a *Allocator) isUsed(i int) bool { return a.bitmap[i/64]&(1<<(uint(i)%64)) != 0 }
func (a *Allocator) setBit(i int) { a.bitmap[i/64] |= 1 << (uint(i) % 64) }
func (a *Allocator) clearBit(i int) { a.bitmap[i/64] &^= 1 << (uint(i) % 64) }

// RequestFrames returns the physical address of n contiguous zeroed frames.
func (a *Allocator) RequestFrames(n int) (PhysAddr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d frames", ErrBadRequest, n)
	}
	if n > a.free {
		return 0, fmt.Errorf("%w: want %d frames, %d free", ErrOutOfMemory, n, a.free)
	}

	run := 0
	for i := 0; i < a.frames; i++ {
		if a.isUsed(i) {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		start := i - n + 1
		for j := start; j <= i; j++ {
			a.setBit(j)
		}
		clear(a.mem[start*FrameSize : (i+1)*FrameSize])
		a.free -= n
		a.requested += uint64(n)
		return a.base + PhysAddr(start*FrameSize), nil
	}
	return 0, fmt.Errorf("%w: no run of %d contiguous frames", ErrOutOfMemory, n)
}

// FreeFrames returns n frames starting at addr. Freeing a frame that is not
// allocated is a kernel bug and panics.
func (a *Allocator) FreeFrames(addr PhysAddr, n int) {
	start, ok := a.index(addr)
	if !ok || n <= 0 || start+n > a.frames {
		panic(fmt.Sprintf("pmm: free of foreign range 0x%x+%d", uintptr(addr), n))
	}
	for i := start; i < start+n; i++ {
		if !a.isUsed(i) {
			panic(fmt.Sprintf("pmm: double free of frame 0x%x", uintptr(a.base)+uintptr(i*FrameSize)))
		}
		a.clearBit(i)
	}
	a.free += n
	a.freed += uint64(n)
}

// Bytes returns the memory backing n frames at addr.
func (a *Allocator) Bytes(addr PhysAddr, n int) ([]byte, error) {
	start, ok := a.index(addr)
	if !ok || n <= 0 || start+n > a.frames {
		return nil, fmt.Errorf("%w: range 0x%x+%d outside region", ErrBadRequest, uintptr(addr), n)
	}
	return a.mem[start*FrameSize : (start+n)*FrameSize], nil
}

// Contains reports whether addr falls inside an allocated frame.
func (a *Allocator) Contains(addr PhysAddr) bool {
	i, ok := a.index(addr &^ (FrameSize - 1))
	return ok && a.isUsed(i)
}

func (a *Allocator) index(addr PhysAddr) (int, bool) {
	if addr < a.base || addr%FrameSize != 0 {
		return 0, false
	}
	i := int((addr - a.base) / FrameSize)
	return i, i < a.frames
}

func (a *Allocator) Stats() Stats {
	return Stats{
		Total:     a.frames,
		Free:      a.free,
		Requested: a.requested,
		Freed:     a.freed,
	}
}
