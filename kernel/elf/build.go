package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment describes one PT_LOAD segment for Build.
type Segment struct {
	Vaddr uint64
	Data  []byte
	// Memsz may exceed len(Data); the difference is zero-filled at load time.
	Memsz uint64
	Flags elf.ProgFlag
}

// Build assembles a minimal static ELF64 x86-64 executable. It is what
// mkimage uses to produce demo programs, and what tests load.
func Build(entry uint64, segs ...Segment) []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	off := uint64(ehsize + phentsize*len(segs))

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	_ = binary.Write(&buf, binary.LittleEndian, hdr)

	for _, s := range segs {
		memsz := s.Memsz
		if memsz < uint64(len(s.Data)) {
			memsz = uint64(len(s.Data))
		}
		_ = binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  0x1000,
		})
		off += uint64(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
