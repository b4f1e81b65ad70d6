// Package vmm manages isolated address spaces on top of the physical frame
// allocator. Each space is identified by the physical address of its root
// table, the value the CPU would load into CR3.
package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/mm/pmm"
)

const PageSize = pmm.FrameSize

// Space is an address-space handle. Handles are recycled once the root frame
// is freed, so a handle is unique only among live spaces.
type Space uintptr

type Flags uint8

const (
	FlagPresent Flags = 1 << iota
	FlagWrite
	FlagUser
	FlagExec
)

const (
	// HeapBase is where Map places anonymous mappings.
	HeapBase uintptr = 0x0000_7000_0000_0000

	// UserTop bounds fixed mappings requested through MapAt.
	UserTop uintptr = 0x0000_8000_0000_0000
)

var (
	ErrNoSpace     = errors.New("vmm: unknown address space")
	ErrOverlap     = errors.New("vmm: mapping overlaps existing mapping")
	ErrNotMapped   = errors.New("vmm: address not mapped")
	ErrBadRange    = errors.New("vmm: bad range")
	ErrKernelSpace = errors.New("vmm: kernel space cannot be destroyed")
	ErrOutOfFrames = errors.New("vmm: out of physical frames")
)

// Frames is the part of the physical allocator the manager consumes.
type Frames interface {
	RequestFrames(n int) (pmm.PhysAddr, error)
	FreeFrames(addr pmm.PhysAddr, n int)
	Bytes(addr pmm.PhysAddr, n int) ([]byte, error)
}

type mapping struct {
	virt  uintptr
	phys  pmm.PhysAddr
	pages int
	flags Flags
}

func (m *mapping) end() uintptr { return m.virt + uintptr(m.pages)*PageSize }

type pageMap struct {
	root     pmm.PhysAddr
	mappings map[uintptr]*mapping
	nextHeap uintptr
}

type Manager struct {
	frames Frames
	hhdm   uintptr

	spaces map[Space]*pageMap
	kernel Space
	active Space

	log *slog.Logger
}

// New creates the manager and the kernel's own address space, which starts
// out active.
func New(frames Frames, hhdm uintptr, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		frames: frames,
		hhdm:   hhdm,
		spaces: make(map[Space]*pageMap),
		log:    logging.Component(log, "vmm"),
	}
	k, err := m.NewSpace()
	if err != nil {
		return nil, fmt.Errorf("kernel page map: %w", err)
	}
	m.kernel = k
	m.active = k
	return m, nil
}

func (m *Manager) Kernel() Space { return m.kernel }
func (m *Manager) Active() Space { return m.active }

// PhysToVirt translates a physical address to its alias in the kernel's
// direct map.
func (m *Manager) PhysToVirt(p pmm.PhysAddr) uintptr { return uintptr(p) + m.hhdm }

func (m *Manager) VirtToPhys(v uintptr) pmm.PhysAddr { return pmm.PhysAddr(v - m.hhdm) }

// NewSpace allocates an empty address space. The root table costs one frame.
func (m *Manager) NewSpace() (Space, error) {
	root, err := m.frames.RequestFrames(1)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOutOfFrames, err)
	}
	s := Space(root)
	m.spaces[s] = &pageMap{
		root:     root,
		mappings: make(map[uintptr]*mapping),
		nextHeap: HeapBase,
	}
	m.log.Debug("address space created", "space", s)
	return s, nil
}

// Destroy releases every mapping of s and its root table. If s was active
// the kernel space becomes active again.
func (m *Manager) Destroy(s Space) error {
	if s == m.kernel {
		return ErrKernelSpace
	}
	pm, ok := m.spaces[s]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNoSpace, uintptr(s))
	}
	for _, mp := range pm.mappings {
		m.frames.FreeFrames(mp.phys, mp.pages)
	}
	m.frames.FreeFrames(pm.root, 1)
	delete(m.spaces, s)
	if m.active == s {
		m.active = m.kernel
	}
	m.log.Debug("address space destroyed", "space", s)
	return nil
}

// Activate makes s the CPU's current address space. Activating a space that
// does not exist would fault the machine, so it panics.
func (m *Manager) Activate(s Space) {
	if _, ok := m.spaces[s]; !ok {
		panic(fmt.Sprintf("vmm: activate of unknown space 0x%x", uintptr(s)))
	}
	m.active = s
}

// Map backs pages fresh pages in s at an address of the manager's choosing.
func (m *Manager) Map(s Space, pages int, flags Flags) (uintptr, error) {
	pm, ok := m.spaces[s]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrNoSpace, uintptr(s))
	}
	virt := pm.nextHeap
	if err := m.mapAt(pm, virt, pages, flags); err != nil {
		return 0, err
	}
	pm.nextHeap = virt + uintptr(pages)*PageSize
	return virt, nil
}

// MapAt backs pages fresh pages in s starting at the page-aligned address virt.
func (m *Manager) MapAt(s Space, virt uintptr, pages int, flags Flags) error {
	pm, ok := m.spaces[s]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNoSpace, uintptr(s))
	}
	return m.mapAt(pm, virt, pages, flags)
}

func (m *Manager) mapAt(pm *pageMap, virt uintptr, pages int, flags Flags) error {
	if pages <= 0 || virt%PageSize != 0 || virt+uintptr(pages)*PageSize > UserTop {
		return fmt.Errorf("%w: 0x%x+%d pages", ErrBadRange, virt, pages)
	}
	end := virt + uintptr(pages)*PageSize
	for _, mp := range pm.mappings {
		if virt < mp.end() && mp.virt < end {
			return fmt.Errorf("%w: 0x%x", ErrOverlap, virt)
		}
	}
	phys, err := m.frames.RequestFrames(pages)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfFrames, err)
	}
	pm.mappings[virt] = &mapping{virt: virt, phys: phys, pages: pages, flags: flags | FlagPresent}
	return nil
}

// Unmap releases the mapping that starts at virt.
func (m *Manager) Unmap(s Space, virt uintptr) error {
	pm, ok := m.spaces[s]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNoSpace, uintptr(s))
	}
	mp, ok := pm.mappings[virt]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotMapped, virt)
	}
	m.frames.FreeFrames(mp.phys, mp.pages)
	delete(pm.mappings, virt)
	return nil
}

// Window returns the n bytes at virt in s. The range must lie within a
// single mapping.
func (m *Manager) Window(s Space, virt uintptr, n int) ([]byte, error) {
	pm, ok := m.spaces[s]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoSpace, uintptr(s))
	}
	mp := pm.find(virt)
	if mp == nil || virt+uintptr(n) > mp.end() {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrNotMapped, virt, n)
	}
	mem, err := m.frames.Bytes(mp.phys, mp.pages)
	if err != nil {
		return nil, err
	}
	off := virt - mp.virt
	return mem[off : off+uintptr(n)], nil
}

// Translate resolves virt in s to a physical address and its mapping flags.
func (m *Manager) Translate(s Space, virt uintptr) (pmm.PhysAddr, Flags, bool) {
	pm, ok := m.spaces[s]
	if !ok {
		return 0, 0, false
	}
	mp := pm.find(virt)
	if mp == nil {
		return 0, 0, false
	}
	return mp.phys + pmm.PhysAddr(virt-mp.virt), mp.flags, true
}

// Mappings lists the start addresses of every mapping in s, in order.
func (m *Manager) Mappings(s Space) []uintptr {
	pm, ok := m.spaces[s]
	if !ok {
		return nil
	}
	out := make([]uintptr, 0, len(pm.mappings))
	for v := range pm.mappings {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) Spaces() int { return len(m.spaces) }

func (pm *pageMap) find(virt uintptr) *mapping {
	for _, mp := range pm.mappings {
		if virt >= mp.virt && virt < mp.end() {
			return mp
		}
	}
	return nil
}
