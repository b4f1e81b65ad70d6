//go:build gccgo

package ata

import "unsafe"

// Port I/O primitives, implemented in assembly and linked by the Makefile.
func inb(port uint16) byte
func outb(port uint16, value byte)
func insw(port uint16, addr *byte, count int)
func outsw(port uint16, addr *byte, count int)

type hwPorts struct{}

func (hwPorts) In8(port uint16) byte         { return inb(port) }
func (hwPorts) Out8(port uint16, value byte) { outb(port, value) }

func (hwPorts) InWords(port uint16, buf []byte) {
	insw(port, (*byte)(unsafe.Pointer(&buf[0])), len(buf)/2)
}

func (hwPorts) OutWords(port uint16, buf []byte) {
	outsw(port, (*byte)(unsafe.Pointer(&buf[0])), len(buf)/2)
}

// NewPrimaryPIO returns the primary-master disk on the machine's own ports.
func NewPrimaryPIO(sectors uint32) *PIO { return NewPIO(hwPorts{}, sectors) }
