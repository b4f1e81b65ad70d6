package vmm

import (
	"errors"
	"testing"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
)

const testHHDM uintptr = 0xffff_8000_0000_0000

func newTestManager(t *testing.T, frames int) (*Manager, *pmm.Allocator) {
	t.Helper()
	alloc := pmm.New(0x200000, frames, logging.Discard())
	m, err := New(alloc, testHHDM, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, alloc
}

func TestNewCreatesActiveKernelSpace(t *testing.T) {
	m, alloc := newTestManager(t, 4)

	if m.Kernel() == 0 {
		t.Fatalf("Expected non-zero kernel space")
	}
	if m.Active() != m.Kernel() {
		t.Fatalf("Expected kernel space to be active")
	}
	if s := alloc.Stats(); s.Free != 3 {
		t.Fatalf("Expected kernel root to cost one frame, free=%d", s.Free)
	}
}

func TestMapWindowUnmap(t *testing.T) {
	m, alloc := newTestManager(t, 16)
	before := alloc.Stats().Free

	addr, err := m.Map(m.Kernel(), 4, FlagWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr != HeapBase {
		t.Fatalf("Expected first heap mapping at 0x%x, got 0x%x", HeapBase, addr)
	}

	buf, err := m.Window(m.Kernel(), addr, 4*PageSize)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	buf[4*PageSize-1] = 7

	if _, flags, ok := m.Translate(m.Kernel(), addr+PageSize); !ok || flags&FlagWrite == 0 {
		t.Fatalf("Expected writable translation, ok=%v flags=%b", ok, flags)
	}

	if _, err := m.Window(m.Kernel(), addr, 4*PageSize+1); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Expected ErrNotMapped past mapping end, got %v", err)
	}

	if err := m.Unmap(m.Kernel(), addr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := alloc.Stats().Free; got != before {
		t.Fatalf("Expected %d free frames after unmap, got %d", before, got)
	}
}

func TestMapAtRejectsOverlap(t *testing.T) {
	m, _ := newTestManager(t, 16)
	s, err := m.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}

	if err := m.MapAt(s, 0x400000, 2, FlagExec); err != nil {
		t.Fatalf("MapAt: %v", err)
	}
	if err := m.MapAt(s, 0x401000, 1, FlagWrite); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Expected ErrOverlap, got %v", err)
	}
	if err := m.MapAt(s, 0x400010, 1, FlagWrite); !errors.Is(err, ErrBadRange) {
		t.Fatalf("Expected ErrBadRange for unaligned address, got %v", err)
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	m, alloc := newTestManager(t, 16)
	before := alloc.Stats().Free

	s, _ := m.NewSpace()
	if err := m.MapAt(s, 0x400000, 3, FlagExec); err != nil {
		t.Fatalf("MapAt: %v", err)
	}
	if _, err := m.Map(s, 1, FlagWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	m.Activate(s)

	if err := m.Destroy(s); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := alloc.Stats().Free; got != before {
		t.Fatalf("Expected %d free frames after destroy, got %d", before, got)
	}
	if m.Active() != m.Kernel() {
		t.Fatalf("Expected kernel space to be active after destroying the active space")
	}
	if err := m.Destroy(s); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Expected ErrNoSpace on second destroy, got %v", err)
	}
	if err := m.Destroy(m.Kernel()); !errors.Is(err, ErrKernelSpace) {
		t.Fatalf("Expected ErrKernelSpace, got %v", err)
	}
}

func TestSpaceHandlesAreRecycled(t *testing.T) {
	m, _ := newTestManager(t, 8)

	s, _ := m.NewSpace()
	if err := m.Destroy(s); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	again, _ := m.NewSpace()
	if again != s {
		t.Fatalf("Expected root frame 0x%x to be reused, got 0x%x", uintptr(s), uintptr(again))
	}
}

func TestNewSpaceOutOfFrames(t *testing.T) {
	m, _ := newTestManager(t, 1)

	if _, err := m.NewSpace(); !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("Expected ErrOutOfFrames, got %v", err)
	}
}

func TestPhysToVirtRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 2)
	const p pmm.PhysAddr = 0x203000

	if got := m.VirtToPhys(m.PhysToVirt(p)); got != p {
		t.Fatalf("Expected 0x%x, got 0x%x", p, got)
	}
}
