package ata

import "errors"

const SectorSize = 512

var (
	ErrTimeout     = errors.New("ata: timeout")
	ErrDevice      = errors.New("ata: device error")
	ErrOutOfBounds = errors.New("ata: lba out of range")
)

// Device is a block device addressed in 512-byte sectors.
type Device interface {
	ReadSector(lba uint32, buf *[SectorSize]byte) error
	WriteSector(lba uint32, data *[SectorSize]byte) error
	Sectors() uint32
}
