package ata

import "fmt"

// Primary channel registers.
const (
	Data      uint16 = 0x1F0
	ErrFeat   uint16 = 0x1F1
	SecCount  uint16 = 0x1F2
	LBALo     uint16 = 0x1F3
	LBAMid    uint16 = 0x1F4
	LBAHi     uint16 = 0x1F5
	DriveHead uint16 = 0x1F6
	StatusCmd uint16 = 0x1F7

	CmdRead  = 0x20
	CmdWrite = 0x30
	CmdFlush = 0xE7
)

const (
	statusErr  = 0x01
	statusDRQ  = 0x08
	statusBusy = 0x80
)

// Timeout constant for ATA operations (iterations)
const ataTimeout = 100000

// Ports is the legacy port I/O the PIO protocol runs over. The word
// transfers move len(buf)/2 16-bit words.
type Ports interface {
	In8(port uint16) byte
	Out8(port uint16, value byte)
	InWords(port uint16, buf []byte)
	OutWords(port uint16, buf []byte)
}

// PIO drives the master disk of the primary channel, one sector per command,
// in 28-bit LBA mode.
type PIO struct {
	ports   Ports
	sectors uint32
}

func NewPIO(ports Ports, sectors uint32) *PIO {
	return &PIO{ports: ports, sectors: sectors}
}

func (p *PIO) Sectors() uint32 { return p.sectors }

func (p *PIO) waitBusy() bool {
	for i := 0; i < ataTimeout; i++ {
		if p.ports.In8(StatusCmd)&statusBusy == 0 {
			return true
		}
	}
	return false
}

func (p *PIO) waitDRQ() error {
	for i := 0; i < ataTimeout; i++ {
		status := p.ports.In8(StatusCmd)
		if status&statusErr != 0 {
			return ErrDevice
		}
		if status&statusDRQ != 0 {
			return nil
		}
	}
	return ErrTimeout
}

func (p *PIO) selectSector(lba uint32, cmd byte) {
	p.ports.Out8(DriveHead, 0xE0|byte((lba>>24)&0x0F))
	p.ports.Out8(SecCount, 1)
	p.ports.Out8(LBALo, byte(lba))
	p.ports.Out8(LBAMid, byte(lba>>8))
	p.ports.Out8(LBAHi, byte(lba>>16))
	p.ports.Out8(StatusCmd, cmd)
}

func (p *PIO) start(lba uint32, cmd byte) error {
	if lba >= p.sectors {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, lba)
	}
	if !p.waitBusy() {
		return ErrTimeout
	}
	p.selectSector(lba, cmd)
	return p.waitDRQ()
}

func (p *PIO) ReadSector(lba uint32, buf *[SectorSize]byte) error {
	if err := p.start(lba, CmdRead); err != nil {
		return err
	}
	p.ports.InWords(Data, buf[:])
	return nil
}

func (p *PIO) WriteSector(lba uint32, data *[SectorSize]byte) error {
	if err := p.start(lba, CmdWrite); err != nil {
		return err
	}
	p.ports.OutWords(Data, data[:])

	p.ports.Out8(StatusCmd, CmdFlush)
	if !p.waitBusy() {
		return ErrTimeout
	}
	return nil
}
