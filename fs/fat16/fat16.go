package fat16

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmarro89/go-dav-sched/drivers/ata"
	"github.com/dmarro89/go-dav-sched/internal/logging"
)

const (
	DirEntrySize = 32

	entriesPerSector = ata.SectorSize / DirEntrySize // 16
	fatEntriesPerSec = ata.SectorSize / 2            // 256

	endOfChain = 0xFFF8
	attrVolume = 0x08
	attrDir    = 0x10
)

var (
	ErrBadSignature = errors.New("fat16: invalid signature, format the volume first")
	ErrBadLayout    = errors.New("fat16: unsupported layout")
	ErrNotFound     = errors.New("fat16: file not found")
	ErrExists       = errors.New("fat16: file already exists")
	ErrNoClusters   = errors.New("fat16: no free clusters")
	ErrDirFull      = errors.New("fat16: root directory full")
	ErrBadName      = errors.New("fat16: bad file name")
	ErrTooLarge     = errors.New("fat16: file larger than buffer")
)

// Volume is a mounted FAT16 file system. Only the root directory is
// supported; names are 8.3 and case-insensitive.
type Volume struct {
	dev ata.Device

	BytesPerSec uint16
	SecPerClust uint8
	ReservedSec uint16
	NumFATs     uint8
	RootEntCnt  uint16
	TotSec16    uint16
	FatSz16     uint16

	// Computed Offsets (LBA)
	fatStart    uint32
	rootStart   uint32
	dataStart   uint32
	rootSectors uint32
	clusters    uint32

	buf [ata.SectorSize]byte
	log *slog.Logger
}

// Entry is one file in the root directory.
type Entry struct {
	Name    string
	Size    uint32
	Cluster uint16
}

// Info describes the on-disk layout.
type Info struct {
	ReservedSec uint16
	FATStart    uint32
	RootStart   uint32
	DataStart   uint32
	Clusters    uint32
}

// Mount reads the BPB from sector 0 and calculates offsets.
func Mount(dev ata.Device, log *slog.Logger) (*Volume, error) {
	v := &Volume{dev: dev, log: logging.Component(log, "fat16")}

	if err := dev.ReadSector(0, &v.buf); err != nil {
		return nil, fmt.Errorf("fat16: read boot sector: %w", err)
	}
	if v.buf[510] != 0x55 || v.buf[511] != 0xAA {
		return nil, ErrBadSignature
	}

	v.BytesPerSec = le16(v.buf[11:])
	v.SecPerClust = v.buf[13]
	v.ReservedSec = le16(v.buf[14:])
	v.NumFATs = v.buf[16]
	v.RootEntCnt = le16(v.buf[17:])
	v.TotSec16 = le16(v.buf[19:])
	v.FatSz16 = le16(v.buf[22:])

	if v.BytesPerSec != ata.SectorSize {
		return nil, fmt.Errorf("%w: %d bytes per sector", ErrBadLayout, v.BytesPerSec)
	}
	if v.SecPerClust == 0 || v.NumFATs == 0 {
		return nil, fmt.Errorf("%w: zero cluster size or FAT count", ErrBadLayout)
	}

	v.fatStart = uint32(v.ReservedSec)
	v.rootStart = v.fatStart + uint32(v.NumFATs)*uint32(v.FatSz16)
	v.rootSectors = (uint32(v.RootEntCnt)*DirEntrySize + ata.SectorSize - 1) / ata.SectorSize
	v.dataStart = v.rootStart + v.rootSectors
	if uint32(v.TotSec16) <= v.dataStart {
		return nil, fmt.Errorf("%w: no data region", ErrBadLayout)
	}
	v.clusters = (uint32(v.TotSec16) - v.dataStart) / uint32(v.SecPerClust)
	if limit := uint32(v.FatSz16) * fatEntriesPerSec; v.clusters+2 > limit {
		v.clusters = limit - 2
	}

	v.log.Debug("volume mounted", "root_start", v.rootStart, "data_start", v.dataStart, "clusters", v.clusters)
	return v, nil
}

// Format writes a minimal FAT16 BPB to sector 0 and clears both FATs and the
// root directory. The volume spans the whole device, up to 65535 sectors.
func Format(dev ata.Device) error {
	total := dev.Sectors()
	if total > 0xFFFF {
		total = 0xFFFF
	}
	const (
		reservedSec uint32 = 1
		numFATs     uint32 = 2
		rootEntCnt  uint32 = 512
		rootSectors uint32 = rootEntCnt * DirEntrySize / ata.SectorSize
	)
	fatSz := (total + 2 + fatEntriesPerSec - 1) / fatEntriesPerSec
	if total < reservedSec+numFATs*fatSz+rootSectors+1 {
		return fmt.Errorf("%w: device of %d sectors is too small", ErrBadLayout, total)
	}

	var buf [ata.SectorSize]byte
	// Jump
	buf[0], buf[1], buf[2] = 0xEB, 0x3C, 0x90
	copy(buf[3:11], "MSWIN4.1")
	put16(buf[11:], ata.SectorSize)
	buf[13] = 1 // SecPerClust
	put16(buf[14:], uint16(reservedSec))
	buf[16] = byte(numFATs)
	put16(buf[17:], uint16(rootEntCnt))
	put16(buf[19:], uint16(total))
	buf[21] = 0xF8 // Media = fixed
	put16(buf[22:], uint16(fatSz))
	buf[510], buf[511] = 0x55, 0xAA

	if err := dev.WriteSector(0, &buf); err != nil {
		return fmt.Errorf("fat16: write boot sector: %w", err)
	}

	clear(buf[:])
	last := reservedSec + numFATs*fatSz + rootSectors
	for sec := reservedSec; sec < last; sec++ {
		if err := dev.WriteSector(sec, &buf); err != nil {
			return fmt.Errorf("fat16: clear sector %d: %w", sec, err)
		}
	}

	// Media descriptor and end-of-chain markers for the reserved clusters.
	put16(buf[0:], 0xFFF8)
	put16(buf[2:], 0xFFFF)
	for i := uint32(0); i < numFATs; i++ {
		if err := dev.WriteSector(reservedSec+i*fatSz, &buf); err != nil {
			return fmt.Errorf("fat16: write FAT %d: %w", i, err)
		}
	}
	return nil
}

func (v *Volume) Info() Info {
	return Info{
		ReservedSec: v.ReservedSec,
		FATStart:    v.fatStart,
		RootStart:   v.rootStart,
		DataStart:   v.dataStart,
		Clusters:    v.clusters,
	}
}

// List returns the files in the root directory.
func (v *Volume) List() ([]Entry, error) {
	var out []Entry
	err := v.walkRoot(func(_ uint32, off int) bool {
		e := v.buf[off : off+DirEntrySize]
		if e[11]&(attrVolume|attrDir) != 0 {
			return true
		}
		out = append(out, Entry{
			Name:    displayName(e),
			Size:    le32(e[28:]),
			Cluster: le16(e[26:]),
		})
		return true
	})
	return out, err
}

// Stat looks path up in the root directory.
func (v *Volume) Stat(path string) (Entry, error) {
	name, err := ParseName(path)
	if err != nil {
		return Entry{}, err
	}
	var (
		found Entry
		ok    bool
	)
	err = v.walkRoot(func(_ uint32, off int) bool {
		e := v.buf[off : off+DirEntrySize]
		if e[11]&attrVolume != 0 || string(e[:11]) != string(name[:]) {
			return true
		}
		found = Entry{Name: displayName(e), Size: le32(e[28:]), Cluster: le16(e[26:])}
		ok = true
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return found, nil
}

// ReadFile reads the whole file at path into dst and returns its size.
func (v *Volume) ReadFile(path string, dst []byte) (int, error) {
	e, err := v.Stat(path)
	if err != nil {
		return 0, err
	}
	if int(e.Size) > len(dst) {
		return 0, fmt.Errorf("%w: %s is %d bytes, buffer holds %d", ErrTooLarge, path, e.Size, len(dst))
	}

	n := 0
	size := int(e.Size)
	for cluster := e.Cluster; n < size; {
		if cluster < 2 || cluster >= endOfChain {
			return n, fmt.Errorf("fat16: %s: chain ends after %d of %d bytes", path, n, size)
		}
		sector := v.clusterToSector(cluster)
		for s := uint32(0); s < uint32(v.SecPerClust) && n < size; s++ {
			if err := v.dev.ReadSector(sector+s, &v.buf); err != nil {
				return n, fmt.Errorf("fat16: read %s: %w", path, err)
			}
			n += copy(dst[n:size], v.buf[:])
		}
		if n < size {
			if cluster, err = v.fatEntry(cluster); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// CreateFile creates a file in the root directory, spreading data over as
// many clusters as it needs.
func (v *Volume) CreateFile(path string, data []byte) error {
	name, err := ParseName(path)
	if err != nil {
		return err
	}
	if _, err := v.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	clusterBytes := int(v.SecPerClust) * ata.SectorSize
	need := (len(data) + clusterBytes - 1) / clusterBytes
	if need == 0 {
		need = 1
	}
	chain, err := v.allocChain(need)
	if err != nil {
		return err
	}

	// Find free directory entry
	var (
		dirSec uint32
		dirOff int
		found  bool
	)
	err = v.walkAll(func(sec uint32, off int) bool {
		if b := v.buf[off]; b == 0x00 || b == 0xE5 {
			dirSec, dirOff, found = sec, off, true
			return false
		}
		return true
	})
	if err == nil && !found {
		err = ErrDirFull
	}
	if err != nil {
		v.freeChain(chain)
		return err
	}

	// Re-read sector for modification
	if err := v.dev.ReadSector(v.rootStart+dirSec, &v.buf); err != nil {
		v.freeChain(chain)
		return fmt.Errorf("fat16: read root: %w", err)
	}
	e := v.buf[dirOff : dirOff+DirEntrySize]
	copy(e[:11], name[:])
	e[11] = 0x00 // normal file
	clear(e[12:26])
	put16(e[26:], chain[0])
	put32(e[28:], uint32(len(data)))
	if err := v.dev.WriteSector(v.rootStart+dirSec, &v.buf); err != nil {
		v.freeChain(chain)
		return fmt.Errorf("fat16: write root: %w", err)
	}

	for _, cluster := range chain {
		sector := v.clusterToSector(cluster)
		for s := uint32(0); s < uint32(v.SecPerClust); s++ {
			clear(v.buf[:])
			data = data[copy(v.buf[:], data):]
			if err := v.dev.WriteSector(sector+s, &v.buf); err != nil {
				return fmt.Errorf("fat16: write data: %w", err)
			}
		}
	}
	v.log.Debug("file created", "name", displayName(name[:]), "clusters", len(chain))
	return nil
}

// ParseName converts a root-directory path into its space padded 8.3 form.
// A leading drive letter and separators are accepted; nested directories
// are not.
func ParseName(path string) ([11]byte, error) {
	var out [11]byte
	p := path
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}
	p = strings.TrimLeft(p, `/\`)
	if p == "" || strings.ContainsAny(p, `/\`) {
		return out, fmt.Errorf("%w: %q", ErrBadName, path)
	}

	base, ext, _ := strings.Cut(strings.ToUpper(p), ".")
	if base == "" || len(base) > 8 || len(ext) > 3 || strings.Contains(ext, ".") {
		return out, fmt.Errorf("%w: %q", ErrBadName, path)
	}
	for i := range out {
		out[i] = ' '
	}
	copy(out[:8], base)
	copy(out[8:], ext)
	return out, nil
}

// walkRoot visits live entries of the root directory until fn returns false
// or the end-of-directory marker is reached.
func (v *Volume) walkRoot(fn func(sec uint32, off int) bool) error {
	return v.walk(func(sec uint32, off int) (bool, bool) {
		switch v.buf[off] {
		case 0x00:
			return false, true
		case 0xE5:
			return true, false
		}
		return fn(sec, off), false
	})
}

// walkAll visits every slot, including free ones.
func (v *Volume) walkAll(fn func(sec uint32, off int) bool) error {
	return v.walk(func(sec uint32, off int) (bool, bool) {
		return fn(sec, off), false
	})
}

func (v *Volume) walk(fn func(sec uint32, off int) (cont, end bool)) error {
	for sec := uint32(0); sec < v.rootSectors; sec++ {
		if err := v.dev.ReadSector(v.rootStart+sec, &v.buf); err != nil {
			return fmt.Errorf("fat16: read root: %w", err)
		}
		for i := 0; i < entriesPerSector; i++ {
			cont, end := fn(sec, i*DirEntrySize)
			if end || !cont {
				return nil
			}
		}
	}
	return nil
}

func (v *Volume) allocChain(n int) ([]uint16, error) {
	chain := make([]uint16, 0, n)
	for len(chain) < n {
		cluster, err := v.findFreeCluster()
		if err == nil {
			err = v.setFATEntry(cluster, 0xFFFF)
		}
		if err == nil && len(chain) > 0 {
			err = v.setFATEntry(chain[len(chain)-1], cluster)
		}
		if err != nil {
			v.freeChain(chain)
			return nil, err
		}
		chain = append(chain, cluster)
	}
	return chain, nil
}

func (v *Volume) freeChain(chain []uint16) {
	for _, c := range chain {
		_ = v.setFATEntry(c, 0)
	}
}

// findFreeCluster finds a free cluster in the FAT.
func (v *Volume) findFreeCluster() (uint16, error) {
	limit := v.clusters + 2
	for sec := uint32(0); sec < uint32(v.FatSz16); sec++ {
		if err := v.dev.ReadSector(v.fatStart+sec, &v.buf); err != nil {
			return 0, fmt.Errorf("fat16: read FAT: %w", err)
		}
		for i := 0; i < fatEntriesPerSec; i++ {
			cluster := sec*fatEntriesPerSec + uint32(i)
			if cluster < 2 {
				continue // Reserved
			}
			if cluster >= limit {
				return 0, ErrNoClusters
			}
			if le16(v.buf[i*2:]) == 0 {
				return uint16(cluster), nil
			}
		}
	}
	return 0, ErrNoClusters
}

func (v *Volume) fatEntry(cluster uint16) (uint16, error) {
	off := uint32(cluster) * 2
	if err := v.dev.ReadSector(v.fatStart+off/ata.SectorSize, &v.buf); err != nil {
		return 0, fmt.Errorf("fat16: read FAT: %w", err)
	}
	return le16(v.buf[off%ata.SectorSize:]), nil
}

// setFATEntry writes value into every FAT copy.
func (v *Volume) setFATEntry(cluster, value uint16) error {
	off := uint32(cluster) * 2
	sec := off / ata.SectorSize

	if err := v.dev.ReadSector(v.fatStart+sec, &v.buf); err != nil {
		return fmt.Errorf("fat16: read FAT: %w", err)
	}
	put16(v.buf[off%ata.SectorSize:], value)
	for i := uint32(0); i < uint32(v.NumFATs); i++ {
		if err := v.dev.WriteSector(v.fatStart+i*uint32(v.FatSz16)+sec, &v.buf); err != nil {
			return fmt.Errorf("fat16: write FAT %d: %w", i, err)
		}
	}
	return nil
}

func (v *Volume) clusterToSector(cluster uint16) uint32 {
	return v.dataStart + uint32(cluster-2)*uint32(v.SecPerClust)
}

func displayName(e []byte) string {
	base := strings.TrimRight(string(e[:8]), " ")
	ext := strings.TrimRight(string(e[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func put16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }

func put32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
