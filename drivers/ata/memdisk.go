//go:build !gccgo

package ata

import (
	"fmt"
	"os"
)

// MemDisk is a Device backed by a byte slice. The simulator boots from one,
// loaded from a disk image file.
type MemDisk struct {
	data []byte
}

func NewMemDisk(sectors uint32) *MemDisk {
	return &MemDisk{data: make([]byte, int(sectors)*SectorSize)}
}

// NewMemDiskFromImage wraps an existing image; its length is rounded up to a
// whole number of sectors.
func NewMemDiskFromImage(img []byte) *MemDisk {
	n := (len(img) + SectorSize - 1) / SectorSize
	d := NewMemDisk(uint32(n))
	copy(d.data, img)
	return d
}

func LoadMemDisk(path string) (*MemDisk, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load disk image: %w", err)
	}
	return NewMemDiskFromImage(img), nil
}

func (d *MemDisk) Save(path string) error {
	if err := os.WriteFile(path, d.data, 0o644); err != nil {
		return fmt.Errorf("save disk image: %w", err)
	}
	return nil
}

func (d *MemDisk) Sectors() uint32 { return uint32(len(d.data) / SectorSize) }

func (d *MemDisk) Bytes() []byte { return d.data }

func (d *MemDisk) ReadSector(lba uint32, buf *[SectorSize]byte) error {
	if lba >= d.Sectors() {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, lba)
	}
	copy(buf[:], d.data[int(lba)*SectorSize:])
	return nil
}

func (d *MemDisk) WriteSector(lba uint32, data *[SectorSize]byte) error {
	if lba >= d.Sectors() {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, lba)
	}
	copy(d.data[int(lba)*SectorSize:], data[:])
	return nil
}
