package elf

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

func newTestSpace(t *testing.T) (*vmm.Manager, *pmm.Allocator, vmm.Space) {
	t.Helper()
	alloc := pmm.New(0x100000, 32, logging.Discard())
	mm, err := vmm.New(alloc, 0, logging.Discard())
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	s, err := mm.NewSpace()
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	return mm, alloc, s
}

func TestLoadMapsSegmentsAndReturnsEntry(t *testing.T) {
	mm, _, space := newTestSpace(t)
	code := []byte{0xeb, 0xfe} // jmp $
	image := Build(0x401000,
		Segment{Vaddr: 0x401000, Data: code, Flags: elf.PF_R | elf.PF_X},
		Segment{Vaddr: 0x402000, Data: []byte("hi"), Memsz: 0x2000, Flags: elf.PF_R | elf.PF_W},
	)

	entry, err := NewLoader(mm, logging.Discard()).Load(image, space)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entry != 0x401000 {
		t.Fatalf("Expected entry 0x401000, got 0x%x", entry)
	}

	got, err := mm.Window(space, 0x401000, len(code))
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got[0] != 0xeb || got[1] != 0xfe {
		t.Fatalf("Expected code bytes to be copied, got % x", got)
	}

	if _, flags, ok := mm.Translate(space, 0x401000); !ok || flags&vmm.FlagExec == 0 || flags&vmm.FlagWrite != 0 {
		t.Fatalf("Expected text to be exec and read-only, ok=%v flags=%b", ok, flags)
	}
	if _, flags, ok := mm.Translate(space, 0x403000); !ok || flags&vmm.FlagWrite == 0 {
		t.Fatalf("Expected bss page to be mapped writable, ok=%v flags=%b", ok, flags)
	}
	bss, _ := mm.Window(space, 0x403000, 16)
	for _, b := range bss {
		if b != 0 {
			t.Fatalf("Expected zeroed bss, got % x", bss)
		}
	}
}

func TestLoadSharedPageSegments(t *testing.T) {
	mm, _, space := newTestSpace(t)
	image := Build(0x401000,
		Segment{Vaddr: 0x401000, Data: make([]byte, 0x800), Flags: elf.PF_R | elf.PF_X},
		Segment{Vaddr: 0x401800, Data: []byte{1, 2, 3}, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_W},
	)

	if _, err := NewLoader(mm, logging.Discard()).Load(image, space); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := mm.Window(space, 0x401800, 3)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got[2] != 3 {
		t.Fatalf("Expected data segment on shared page, got % x", got)
	}
	if n := len(mm.Mappings(space)); n != 2 {
		t.Fatalf("Expected 2 mappings, got %d", n)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	mm, _, space := newTestSpace(t)

	_, err := NewLoader(mm, logging.Discard()).Load([]byte("not an elf"), space)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("Expected ErrFormat, got %v", err)
	}
}

func TestLoadRejectsImageWithoutSegments(t *testing.T) {
	mm, _, space := newTestSpace(t)

	_, err := NewLoader(mm, logging.Discard()).Load(Build(0x401000), space)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("Expected ErrFormat, got %v", err)
	}
}

func TestLoadUnmapsOnFailure(t *testing.T) {
	mm, alloc, space := newTestSpace(t)
	before := alloc.Stats().Free

	// Second segment lands inside the first one's pages.
	image := Build(0x401000,
		Segment{Vaddr: 0x401000, Data: []byte{1}, Memsz: 0x3000, Flags: elf.PF_R | elf.PF_X},
		Segment{Vaddr: 0x401000, Data: []byte{2}, Flags: elf.PF_R | elf.PF_W},
	)

	_, err := NewLoader(mm, logging.Discard()).Load(image, space)
	if !errors.Is(err, ErrSegment) {
		t.Fatalf("Expected ErrSegment, got %v", err)
	}
	if got := alloc.Stats().Free; got != before {
		t.Fatalf("Expected %d free frames after failed load, got %d", before, got)
	}
	if n := len(mm.Mappings(space)); n != 0 {
		t.Fatalf("Expected no mappings after failed load, got %d", n)
	}
}
