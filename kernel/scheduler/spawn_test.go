package scheduler

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	kelf "github.com/dmarro89/go-dav-sched/kernel/elf"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

const testEntry = 0x401000

func newTestLoader(mm *vmm.Manager) ImageLoader {
	return kelf.NewLoader(mm, logging.Discard())
}

func testImage() []byte {
	return kelf.Build(testEntry,
		kelf.Segment{Vaddr: testEntry, Data: []byte{0xeb, 0xfe}, Flags: elf.PF_R | elf.PF_X},
	)
}

// collidingSpaces hands out a live task's address space once armed.
type collidingSpaces struct {
	*vmm.Manager
	reuse vmm.Space
}

func (c *collidingSpaces) NewSpace() (vmm.Space, error) {
	if c.reuse != 0 {
		return c.reuse, nil
	}
	return c.Manager.NewSpace()
}

func TestSpawnCapacityExceeded(t *testing.T) {
	h := newHarness(t, 64, Config{MaxTasks: 2})
	h.init(t)
	h.spawn(t, "a")
	before := h.free()
	requested := h.alloc.Stats().Requested

	if _, err := h.s.Spawn("b", testTaskEntry); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if _, err := h.s.SpawnELF("INIT"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded from SpawnELF, got %v", err)
	}
	if h.s.Count() != 2 {
		t.Fatalf("Expected count to stay 2, got %d", h.s.Count())
	}
	if h.free() != before || h.alloc.Stats().Requested != requested {
		t.Fatalf("Expected no allocator traffic from a refused spawn")
	}
}

func TestSpawnAllocationFailureReleasesEverything(t *testing.T) {
	// vmm takes 1 frame for the kernel root and the reaper 3 more, so these
	// sizes leave room for the control block only, then for control block
	// and stack but no address space.
	tests := []struct {
		name   string
		frames int
	}{
		{"stack", 5},
		{"address space", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.frames, Config{})
			h.init(t)
			before := h.alloc.Stats()

			_, err := h.s.Spawn("a", testTaskEntry)
			if !errors.Is(err, ErrAllocation) {
				t.Fatalf("Expected ErrAllocation, got %v", err)
			}
			after := h.alloc.Stats()
			if after.Free != before.Free {
				t.Fatalf("Expected %d free frames, got %d", before.Free, after.Free)
			}
			if after.Requested-before.Requested != after.Freed-before.Freed {
				t.Fatalf("Expected balanced attempt, requested %d freed %d",
					after.Requested-before.Requested, after.Freed-before.Freed)
			}
			if h.s.Count() != 1 {
				t.Fatalf("Expected count 1, got %d", h.s.Count())
			}
		})
	}
}

func TestSpawnAddressSpaceCollision(t *testing.T) {
	var cs *collidingSpaces
	h := newHarnessWith(t, 64, Config{}, func(mm *vmm.Manager) AddressSpaces {
		cs = &collidingSpaces{Manager: mm}
		return cs
	})
	h.init(t)
	a := h.spawn(t, "a")
	aSpace := h.task(t, a).Space
	before := h.free()

	cs.reuse = aSpace
	_, err := h.s.Spawn("b", testTaskEntry)
	if !errors.Is(err, ErrAddressSpaceCollision) {
		t.Fatalf("Expected ErrAddressSpaceCollision, got %v", err)
	}
	h.files["INIT"] = testImage()
	if _, err := h.s.SpawnELF("INIT"); !errors.Is(err, ErrAddressSpaceCollision) {
		t.Fatalf("Expected ErrAddressSpaceCollision from SpawnELF, got %v", err)
	}

	if h.free() != before {
		t.Fatalf("Expected %d free frames, got %d", before, h.free())
	}
	if h.s.Count() != 2 {
		t.Fatalf("Expected count 2, got %d", h.s.Count())
	}
	// a still owns a working address space.
	h.mm.Activate(aSpace)
	checkTable(t, h.s)
}

func TestSpawnELF(t *testing.T) {
	h := newHarness(t, 64, Config{})
	h.init(t)
	h.files["INIT"] = testImage()

	id, err := h.s.SpawnELF("INIT")
	if err != nil {
		t.Fatalf("SpawnELF: %v", err)
	}
	task := h.task(t, id)
	if task.Native() || task.addr != testEntry {
		t.Fatalf("Expected image entry 0x%x, got 0x%x", testEntry, task.addr)
	}
	if task.Name != "INIT" {
		t.Fatalf("Expected task named after its path, got %q", task.Name)
	}
	if _, _, ok := h.mm.Translate(task.Space, testEntry); !ok {
		t.Fatalf("Expected image mapped in the task's space")
	}
	if n := len(h.mm.Mappings(h.mm.Kernel())); n != 0 {
		t.Fatalf("Expected scratch buffer to be unmapped, kernel has %d mappings", n)
	}
	if uintptr(task.Context.RIP) != TrampolineAddr() {
		t.Fatalf("Expected ELF task to start in the trampoline too")
	}
}

func TestSpawnELFFailuresLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name  string
		files fakeFiles
		path  string
		want  error
	}{
		{"zero bytes", fakeFiles{"EMPTY": {}}, "EMPTY", ErrRead},
		{"missing", fakeFiles{}, "NOPE", ErrRead},
		{"too large", fakeFiles{"BIG": make([]byte, ScratchPages*vmm.PageSize+1)}, "BIG", ErrRead},
		{"garbage", fakeFiles{"JUNK": []byte("#!/bin/sh\n")}, "JUNK", ErrImageLoad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 64, Config{})
			for k, v := range tt.files {
				h.files[k] = v
			}
			h.init(t)
			before := h.alloc.Stats()

			_, err := h.s.SpawnELF(tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			after := h.alloc.Stats()
			if after.Free != before.Free {
				t.Fatalf("Expected %d free frames, got %d", before.Free, after.Free)
			}
			if after.Requested-before.Requested != after.Freed-before.Freed {
				t.Fatalf("Expected balanced attempt")
			}
			if h.s.Count() != 1 {
				t.Fatalf("Expected count 1, got %d", h.s.Count())
			}
			if h.mm.Spaces() != 2 {
				t.Fatalf("Expected only kernel and reaper spaces, got %d", h.mm.Spaces())
			}
		})
	}
}

func TestSpawnELFLoadBufferError(t *testing.T) {
	// Enough for the kernel root and the reaper, not for the scratch buffer.
	h := newHarness(t, 6, Config{})
	h.init(t)
	h.files["INIT"] = testImage()
	before := h.free()

	if _, err := h.s.SpawnELF("INIT"); !errors.Is(err, ErrLoadBuffer) {
		t.Fatalf("Expected ErrLoadBuffer, got %v", err)
	}
	if h.free() != before || h.s.Count() != 1 {
		t.Fatalf("Expected no side effects")
	}
}

func TestSpawnELFWithoutFileSystem(t *testing.T) {
	h := newHarness(t, 64, Config{})
	h.s.files = nil
	h.init(t)

	if _, err := h.s.SpawnELF("INIT"); !errors.Is(err, ErrRead) {
		t.Fatalf("Expected ErrRead, got %v", err)
	}
}

func TestIDsNeverRepeatAcrossCycles(t *testing.T) {
	h := newHarness(t, 64, Config{})
	h.init(t)
	baseline := h.free()

	last := h.s.ReaperID()
	for i := 0; i < 50; i++ {
		id := h.spawn(t, "churn")
		if id <= last {
			t.Fatalf("Expected id > %d, got %d", last, id)
		}
		last = id
		if err := h.s.RequestExit(id, uint64(i)); err != nil {
			t.Fatalf("RequestExit: %v", err)
		}
		if n := h.s.Sweep(); n != 1 {
			t.Fatalf("Expected sweep to remove 1 task, removed %d", n)
		}
	}
	if h.free() != baseline {
		t.Fatalf("Expected %d free frames after churn, got %d", baseline, h.free())
	}
}
