// Package elf loads static ELF64 x86-64 executables into an address space.
package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/dmarro89/go-dav-sched/kernel/mm/vmm"
)

var (
	ErrFormat  = errors.New("elf: unsupported image")
	ErrSegment = errors.New("elf: bad segment")
)

// Mapper is the address-space surface the loader writes through.
type Mapper interface {
	MapAt(s vmm.Space, virt uintptr, pages int, flags vmm.Flags) error
	Unmap(s vmm.Space, virt uintptr) error
	Window(s vmm.Space, virt uintptr, n int) ([]byte, error)
}

type Loader struct {
	mm  Mapper
	log *slog.Logger
}

func NewLoader(mm Mapper, log *slog.Logger) *Loader {
	return &Loader{mm: mm, log: logging.Component(log, "elf")}
}

// Load maps every PT_LOAD segment of image into space and returns the entry
// point. On error, mappings made by this call are removed again.
func (l *Loader) Load(image []byte, space vmm.Space) (entry uintptr, err error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS64:
		return 0, fmt.Errorf("%w: class %v", ErrFormat, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return 0, fmt.Errorf("%w: byte order %v", ErrFormat, f.Data)
	case f.Machine != elf.EM_X86_64:
		return 0, fmt.Errorf("%w: machine %v", ErrFormat, f.Machine)
	case f.Type != elf.ET_EXEC:
		return 0, fmt.Errorf("%w: type %v", ErrFormat, f.Type)
	case f.Entry == 0:
		return 0, fmt.Errorf("%w: no entry point", ErrFormat)
	}

	var mapped []uintptr
	defer func() {
		if err == nil {
			return
		}
		for _, v := range mapped {
			_ = l.mm.Unmap(space, v)
		}
	}()

	// end of the highest page mapped so far; segments may share a page.
	var top uintptr
	loaded := 0
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return 0, fmt.Errorf("%w: filesz %d > memsz %d", ErrSegment, p.Filesz, p.Memsz)
		}
		start := uintptr(p.Vaddr) &^ (vmm.PageSize - 1)
		end := alignUp(uintptr(p.Vaddr+p.Memsz), vmm.PageSize)
		if start < top {
			if uintptr(p.Vaddr) < top-vmm.PageSize {
				return 0, fmt.Errorf("%w: segment at 0x%x overlaps previous", ErrSegment, p.Vaddr)
			}
			start = top
		}
		if start < end {
			if err := l.mm.MapAt(space, start, int((end-start)/vmm.PageSize), segmentFlags(p.Flags)); err != nil {
				return 0, fmt.Errorf("%w: map 0x%x: %w", ErrSegment, start, err)
			}
			mapped = append(mapped, start)
			top = end
		}

		if p.Filesz > 0 {
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return 0, fmt.Errorf("%w: read segment at 0x%x: %w", ErrSegment, p.Vaddr, err)
			}
			if err := l.copyOut(space, uintptr(p.Vaddr), data); err != nil {
				return 0, err
			}
		}
		loaded++
	}
	if loaded == 0 {
		return 0, fmt.Errorf("%w: no loadable segments", ErrFormat)
	}

	l.log.Debug("image loaded", "space", space, "entry", fmt.Sprintf("0x%x", f.Entry), "segments", loaded)
	return uintptr(f.Entry), nil
}

// copyOut writes data at virt one page at a time, since consecutive pages
// may belong to different mappings.
func (l *Loader) copyOut(space vmm.Space, virt uintptr, data []byte) error {
	for len(data) > 0 {
		n := int(vmm.PageSize - virt%vmm.PageSize)
		if n > len(data) {
			n = len(data)
		}
		w, err := l.mm.Window(space, virt, n)
		if err != nil {
			return fmt.Errorf("%w: write 0x%x: %w", ErrSegment, virt, err)
		}
		copy(w, data[:n])
		data = data[n:]
		virt += uintptr(n)
	}
	return nil
}

func segmentFlags(pf elf.ProgFlag) vmm.Flags {
	flags := vmm.FlagUser
	if pf&elf.PF_W != 0 {
		flags |= vmm.FlagWrite
	}
	if pf&elf.PF_X != 0 {
		flags |= vmm.FlagExec
	}
	return flags
}

func alignUp(v, a uintptr) uintptr { return (v + a - 1) &^ (a - 1) }
