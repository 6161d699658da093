// Package protocol defines the requests vdiskctl sends to the virtual disk
// driver and the fixed-layout messages they travel in.
package protocol

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gajzzs/vdiskctl/internal/status"
)

// AutoUnit asks the driver to pick the unit number.
const AutoUnit uint32 = 0xFFFFFFFF

// MaxUnit is the highest unit number a device can carry.
const MaxUnit = 0xFFFF

// AutoMountPoint asks for the first free drive letter or mount directory.
const AutoMountPoint = "#:"

// DiskType is the backing store of a virtual disk.
type DiskType uint8

const (
	TypeUnset DiskType = iota
	TypeFile
	TypeVM
	TypeProxy
)

var diskTypeNames = map[DiskType]string{
	TypeFile:  "file",
	TypeVM:    "vm",
	TypeProxy: "proxy",
}

// ParseDiskType accepts file, vm or proxy.
func ParseDiskType(s string) (DiskType, error) {
	for t, name := range diskTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return TypeUnset, status.Errorf(status.BadSyntax, "unknown disk type %q (want file, vm or proxy)", s)
}

func (t DiskType) String() string {
	if name, ok := diskTypeNames[t]; ok {
		return name
	}
	if t == TypeUnset {
		return "unset"
	}
	return fmt.Sprintf("DiskType(%d)", uint8(t))
}

func (t DiskType) Valid() bool {
	_, ok := diskTypeNames[t]
	return ok
}

func (t DiskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// DeviceTarget names an existing device by exactly one of unit number or
// mount point. The zero value names nothing.
type DeviceTarget struct {
	unit       uint32
	hasUnit    bool
	mountPoint string
}

// ByUnit targets a device by unit number.
func ByUnit(unit uint32) DeviceTarget {
	return DeviceTarget{unit: unit, hasUnit: true}
}

// ByMountPoint targets a device by mount point. The mount point is
// normalized.
func ByMountPoint(mountPoint string) DeviceTarget {
	mp, err := NormalizeMountPoint(mountPoint)
	if err != nil {
		mp = mountPoint
	}
	return DeviceTarget{mountPoint: mp}
}

// ParseTarget builds a target from the -u and -m flag values. Exactly one
// of them must be set.
func ParseTarget(unit, mountPoint string) (DeviceTarget, error) {
	switch {
	case unit != "" && mountPoint != "":
		return DeviceTarget{}, status.Errorf(status.BadSyntax, "give either a unit number or a mount point, not both")
	case unit == "" && mountPoint == "":
		return DeviceTarget{}, status.Errorf(status.BadSyntax, "a unit number or a mount point is required")
	case unit != "":
		u, err := ParseUnit(unit)
		if err != nil {
			return DeviceTarget{}, err
		}
		return ByUnit(u), nil
	}

	mp, err := NormalizeMountPoint(mountPoint)
	if err != nil {
		return DeviceTarget{}, err
	}
	if mp == AutoMountPoint {
		return DeviceTarget{}, status.Errorf(status.BadSyntax, "%s is only valid when attaching", AutoMountPoint)
	}
	return DeviceTarget{mountPoint: mp}, nil
}

// ParseUnit parses a unit number. Like strtoul with base 0 it accepts
// decimal, 0x hex and leading-zero octal, but it must start with a digit.
func ParseUnit(s string) (uint32, error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, status.Errorf(status.BadSyntax, "invalid unit number %q", s)
	}
	u, err := strconv.ParseUint(s, 0, 32)
	if err != nil || u > MaxUnit {
		return 0, status.Errorf(status.BadSyntax, "unit number %q out of range 0-%d", s, MaxUnit)
	}
	return uint32(u), nil
}

// NormalizeMountPoint upper-cases drive letters and cleans paths.
func NormalizeMountPoint(mp string) (string, error) {
	mp = strings.TrimSpace(mp)
	if mp == "" {
		return "", status.Errorf(status.BadSyntax, "empty mount point")
	}
	if mp == AutoMountPoint {
		return mp, nil
	}
	if isDriveLetter(mp) {
		return strings.ToUpper(mp), nil
	}
	return filepath.Clean(mp), nil
}

func isDriveLetter(mp string) bool {
	if len(mp) != 2 && !(len(mp) == 3 && mp[2] == '\\') {
		return false
	}
	c := mp[0] | 0x20
	return c >= 'a' && c <= 'z' && mp[1] == ':'
}

// IsDriveLetter reports whether mp is of the form "E:" or "E:\".
func IsDriveLetter(mp string) bool {
	return isDriveLetter(mp)
}

func (t DeviceTarget) Valid() bool {
	return t.hasUnit != (t.mountPoint != "")
}

// Unit returns the unit number and whether the target is by unit.
func (t DeviceTarget) Unit() (uint32, bool) {
	return t.unit, t.hasUnit
}

// MountPoint returns the mount point and whether the target is by mount
// point.
func (t DeviceTarget) MountPoint() (string, bool) {
	return t.mountPoint, !t.hasUnit && t.mountPoint != ""
}

func (t DeviceTarget) String() string {
	if t.hasUnit {
		return fmt.Sprintf("unit %d", t.unit)
	}
	if t.mountPoint != "" {
		return t.mountPoint
	}
	return "(no target)"
}

// DiskSpec describes a virtual disk to create.
type DiskSpec struct {
	Type       DiskType
	File       string
	Size       int64
	Offset     int64
	SectorSize uint32
	Unit       uint32
	MountPoint string
	Options    Options

	// Partition selects a partition of a raw disk image, 1-based. Zero
	// means the image is used as is.
	Partition int
}

// NewDiskSpec returns a spec with an automatically assigned unit.
func NewDiskSpec() DiskSpec {
	return DiskSpec{Unit: AutoUnit}
}

// Normalize fills in defaults the way the driver would: a missing type
// becomes file when an image is given and vm otherwise, and a missing
// device type is derived from the image name and size.
func (s DiskSpec) Normalize() DiskSpec {
	if s.Type == TypeUnset {
		if s.File != "" {
			s.Type = TypeFile
		} else {
			s.Type = TypeVM
		}
	}
	if s.Options.DeviceType() == 0 {
		s.Options |= DefaultDeviceType(s.File, s.Size)
	}
	switch s.Options.DeviceType() {
	case DeviceCD:
		s.Options |= OptReadOnly | OptRemovable
	case DeviceFD:
		s.Options |= OptRemovable
	}
	if s.MountPoint != "" {
		if mp, err := NormalizeMountPoint(s.MountPoint); err == nil {
			s.MountPoint = mp
		}
	}
	return s
}

// Validate checks the invariants of a create request. It never touches the
// driver.
func (s DiskSpec) Validate() error {
	if !s.Type.Valid() {
		return status.Errorf(status.BadSyntax, "disk type is required (file, vm or proxy)")
	}
	if s.Size < 0 {
		return status.Errorf(status.BadSyntax, "size must be positive")
	}
	if s.Offset < 0 {
		return status.Errorf(status.BadSyntax, "image offset cannot be negative")
	}
	if s.SectorSize != 0 && (s.SectorSize < 512 || s.SectorSize&(s.SectorSize-1) != 0) {
		return status.Errorf(status.BadSyntax, "sector size %d is not a power of two of at least 512", s.SectorSize)
	}
	if s.Unit != AutoUnit && s.Unit > MaxUnit {
		return status.Errorf(status.BadSyntax, "unit number %d out of range 0-%d", s.Unit, MaxUnit)
	}
	if s.Partition < 0 {
		return status.Errorf(status.BadSyntax, "partition number must be positive")
	}
	if s.Partition > 0 && s.File == "" {
		return status.Errorf(status.BadSyntax, "a partition can only be selected from an image file")
	}
	if s.Options&OptModified != 0 {
		return status.Errorf(status.BadSyntax, "the saved option is only valid when editing")
	}

	backend := s.Options.Backend()
	switch s.Type {
	case TypeFile:
		if s.File == "" && backend != BackendAWE {
			return status.Errorf(status.BadSyntax, "file type virtual disks need an image file")
		}
		if s.File == "" && s.Size == 0 {
			return status.Errorf(status.BadSyntax, "a size is required for a physical memory disk without an image file")
		}
	case TypeVM:
		if backend != 0 {
			return status.Errorf(status.BadSyntax, "option %s is not valid for vm type disks", s.Options.backendName(TypeFile))
		}
		if s.File == "" && s.Size == 0 {
			return status.Errorf(status.BadSyntax, "a size is required for a vm type disk without an image file")
		}
		if s.File == "" && s.Options&OptReadOnly != 0 {
			return status.Errorf(status.BadSyntax, "a read-only vm type disk needs an image file")
		}
	case TypeProxy:
		if s.File == "" {
			return status.Errorf(status.BadSyntax, "proxy type virtual disks need a pipe, host or port name")
		}
	}
	return nil
}

// EditSpec is the partial DiskSpec an edit applies to an existing device.
type EditSpec struct {
	// Size is the new size in bytes, zero to keep the current size.
	Size int64

	// Options holds the new values for the bits selected by Mask.
	Options Options
	Mask    Options
}

const editableOptions = OptReadOnly | OptRemovable | OptModified

func (e EditSpec) Validate() error {
	if e.Size < 0 {
		return status.Errorf(status.BadSyntax, "size must be positive")
	}
	if e.Size == 0 && e.Mask == 0 {
		return status.Errorf(status.BadSyntax, "nothing to change: give a new size or options")
	}
	if e.Mask&^editableOptions != 0 {
		return status.Errorf(status.BadSyntax, "only ro, rw, rem, fix and saved can be changed on an existing disk")
	}
	if e.Options&^e.Mask != 0 {
		return status.Errorf(status.BadSyntax, "option values outside the change mask")
	}
	return nil
}

// DeviceInfo is what the driver reports about one device.
type DeviceInfo struct {
	Unit       uint32   `json:"unit" yaml:"unit"`
	Type       DiskType `json:"type" yaml:"type"`
	Options    Options  `json:"options" yaml:"options"`
	Size       int64    `json:"size" yaml:"size"`
	Offset     int64    `json:"offset,omitempty" yaml:"offset,omitempty"`
	SectorSize uint32   `json:"sector_size" yaml:"sector_size"`
	MountPoint string   `json:"mount_point,omitempty" yaml:"mount_point,omitempty"`
	File       string   `json:"file,omitempty" yaml:"file,omitempty"`
}
