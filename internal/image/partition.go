// Package image inspects disk image files before they are attached.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

var (
	ErrNoPartitionTable  = errors.New("no partition table found")
	ErrPartitionNotFound = errors.New("partition not defined")
)

// DefaultSectorSize is used when the caller does not know the geometry.
const DefaultSectorSize = 512

// maxLogical bounds the extended partition chain walk.
const maxLogical = 128

// Partition is one entry of an image's partition table.
type Partition struct {
	Number int    `json:"number" yaml:"number"`
	Type   string `json:"type" yaml:"type"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Offset int64  `json:"offset" yaml:"offset"`
	Length int64  `json:"length" yaml:"length"`
}

type mbrEntry struct {
	Type     uint8
	StartLBA uint32
	Sectors  uint32
}

func isExtended(t uint8) bool {
	return t == 0x05 || t == 0x0F || t == 0x85
}

func readSector(r io.ReaderAt, lba, sectorSize int64) ([]byte, error) {
	buf := make([]byte, sectorSize)
	if _, err := r.ReadAt(buf, lba*sectorSize); err != nil {
		return nil, fmt.Errorf("read sector %d: %w", lba, err)
	}
	return buf, nil
}

func parseEntries(sector []byte) [4]mbrEntry {
	var entries [4]mbrEntry
	for i := range entries {
		off := 446 + 16*i
		e := sector[off : off+16]
		entries[i] = mbrEntry{
			Type:     e[4],
			StartLBA: binary.LittleEndian.Uint32(e[8:]),
			Sectors:  binary.LittleEndian.Uint32(e[12:]),
		}
	}
	return entries
}

func hasSignature(sector []byte) bool {
	return len(sector) >= 512 && sector[510] == 0x55 && sector[511] == 0xAA
}

// List returns the partitions of the image read through r. Primary MBR
// partitions are numbered 1-4 by slot, logical partitions from 5 on in
// chain order. GPT images number entries by slot.
func List(r io.ReaderAt, sectorSize int64) ([]Partition, error) {
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}
	mbr, err := readSector(r, 0, sectorSize)
	if err != nil {
		return nil, err
	}
	if !hasSignature(mbr) {
		return nil, ErrNoPartitionTable
	}

	entries := parseEntries(mbr)
	for _, e := range entries {
		if e.Type == 0xEE {
			return listGPT(r, sectorSize)
		}
	}

	var parts []Partition
	var extended *mbrEntry
	for i, e := range entries {
		if e.Type == 0 {
			continue
		}
		if isExtended(e.Type) && extended == nil {
			ext := e
			extended = &ext
		}
		parts = append(parts, Partition{
			Number: i + 1,
			Type:   fmt.Sprintf("0x%02x", e.Type),
			Offset: int64(e.StartLBA) * sectorSize,
			Length: int64(e.Sectors) * sectorSize,
		})
	}

	if extended != nil {
		logical, err := listLogical(r, sectorSize, int64(extended.StartLBA))
		if err != nil {
			return parts, err
		}
		parts = append(parts, logical...)
	}
	return parts, nil
}

func listLogical(r io.ReaderAt, sectorSize, extStart int64) ([]Partition, error) {
	var parts []Partition
	ebr := extStart
	for n := 5; n < 5+maxLogical; n++ {
		sector, err := readSector(r, ebr, sectorSize)
		if err != nil {
			return parts, err
		}
		if !hasSignature(sector) {
			return parts, nil
		}
		entries := parseEntries(sector)
		if entries[0].Type != 0 {
			parts = append(parts, Partition{
				Number: n,
				Type:   fmt.Sprintf("0x%02x", entries[0].Type),
				Offset: (ebr + int64(entries[0].StartLBA)) * sectorSize,
				Length: int64(entries[0].Sectors) * sectorSize,
			})
		}
		next := entries[1]
		if !isExtended(next.Type) || next.StartLBA == 0 {
			return parts, nil
		}
		ebr = extStart + int64(next.StartLBA)
	}
	return parts, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// gptGUID converts the mixed-endian on-disk GUID layout.
func gptGUID(b []byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:], binary.LittleEndian.Uint32(b[0:]))
	binary.BigEndian.PutUint16(u[4:], binary.LittleEndian.Uint16(b[4:]))
	binary.BigEndian.PutUint16(u[6:], binary.LittleEndian.Uint16(b[6:]))
	copy(u[8:], b[8:16])
	return u
}

func listGPT(r io.ReaderAt, sectorSize int64) ([]Partition, error) {
	hdr, err := readSector(r, 1, sectorSize)
	if err != nil {
		return nil, err
	}
	if string(hdr[0:8]) != "EFI PART" {
		return nil, ErrNoPartitionTable
	}
	entryLBA := int64(binary.LittleEndian.Uint64(hdr[72:]))
	count := binary.LittleEndian.Uint32(hdr[80:])
	size := binary.LittleEndian.Uint32(hdr[84:])
	if size < 128 || count > 1024 {
		return nil, fmt.Errorf("%w: bad GPT header", ErrNoPartitionTable)
	}

	table := make([]byte, int64(count)*int64(size))
	if _, err := r.ReadAt(table, entryLBA*sectorSize); err != nil {
		return nil, fmt.Errorf("read GPT entries: %w", err)
	}

	var parts []Partition
	for i := uint32(0); i < count; i++ {
		e := table[i*size : i*size+size]
		typ := gptGUID(e[0:16])
		if typ == uuid.Nil {
			continue
		}
		first := int64(binary.LittleEndian.Uint64(e[32:]))
		last := int64(binary.LittleEndian.Uint64(e[40:]))
		name, _ := utf16le.NewDecoder().Bytes(e[56:128])
		parts = append(parts, Partition{
			Number: int(i) + 1,
			Type:   typ.String(),
			Name:   strings.TrimRight(string(name), "\x00"),
			Offset: first * sectorSize,
			Length: (last - first + 1) * sectorSize,
		})
	}
	return parts, nil
}

// Find returns partition n of the image read through r.
func Find(r io.ReaderAt, sectorSize int64, n int) (Partition, error) {
	parts, err := List(r, sectorSize)
	if err != nil {
		return Partition{}, err
	}
	for _, p := range parts {
		if p.Number == n && p.Length > 0 {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("partition %d: %w", n, ErrPartitionNotFound)
}

// FindInFile opens path and returns its partition n.
func FindInFile(path string, sectorSize int64, n int) (Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Partition{}, err
	}
	defer f.Close()
	return Find(f, sectorSize, n)
}

// knownOffsets holds the data offset of image formats that wrap a plain
// disk image in a header.
var knownOffsets = map[string]int64{
	".nrg": 600 << 10,
	".sdi": 8 << 10,
}

// OffsetByExt guesses the image data offset from the file name.
func OffsetByExt(name string) int64 {
	return knownOffsets[strings.ToLower(filepath.Ext(name))]
}
