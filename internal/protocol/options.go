package protocol

import (
	"path/filepath"
	"strings"

	"github.com/gajzzs/vdiskctl/internal/status"
)

// Options is the flag word carried in every request and device record.
//
// Bits 0-5 are independent flags, bits 8-11 the device type and bits 12-15
// the backing sub-type, whose meaning depends on the DiskType.
type Options uint32

const (
	OptReadOnly Options = 1 << iota
	OptRemovable
	OptSparse
	OptShared
	OptByteSwap
	OptModified
)

const (
	deviceTypeMask Options = 0xF << 8
	backendMask    Options = 0xF << 12
)

// Device types.
const (
	DeviceHD  Options = 1 << 8
	DeviceFD  Options = 2 << 8
	DeviceCD  Options = 3 << 8
	DeviceRaw Options = 4 << 8
)

// Backing sub-types of file disks.
const (
	BackendAWE      Options = 1 << 12
	BackendParallel Options = 2 << 12
	BackendBuffered Options = 3 << 12
)

// Backing sub-types of proxy disks. Zero is a named pipe.
const (
	ProxyTCP  Options = 1 << 12
	ProxyComm Options = 2 << 12
	ProxySHM  Options = 3 << 12
)

func (o Options) DeviceType() Options { return o & deviceTypeMask }
func (o Options) Backend() Options    { return o & backendMask }

func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

// OptionSet is the result of parsing -o arguments.
type OptionSet struct {
	Values Options
	Mask   Options

	// Type is the disk type implied by the options (awe, par and buf imply
	// file), TypeUnset when none is implied.
	Type DiskType
}

// ParseOptions interprets -o arguments. For an edit only ro, rw, rem, fix
// and saved are accepted; for a create, t is the disk type given with -t
// (TypeUnset if none).
func ParseOptions(opts []string, forEdit bool, t DiskType) (OptionSet, error) {
	var set OptionSet

	toggle := func(opt string, flag Options, on bool) error {
		if set.Mask&flag != 0 {
			return status.Errorf(status.BadSyntax, "option %q conflicts with an earlier option", opt)
		}
		set.Mask |= flag
		if on {
			set.Values |= flag
		}
		return nil
	}
	createOnly := func(opt string) error {
		if forEdit {
			return status.Errorf(status.BadSyntax, "option %q cannot be changed on an existing disk", opt)
		}
		return nil
	}
	backend := func(opt string, want DiskType, value Options) error {
		if err := createOnly(opt); err != nil {
			return err
		}
		if set.Values.Backend() != 0 {
			return status.Errorf(status.BadSyntax, "option %q conflicts with an earlier option", opt)
		}
		switch {
		case want == TypeProxy && t != TypeProxy:
			return status.Errorf(status.BadSyntax, "option %q requires -t proxy", opt)
		case want == TypeFile && t != TypeFile && t != TypeUnset:
			return status.Errorf(status.BadSyntax, "option %q is only valid for file type disks", opt)
		}
		if want == TypeFile {
			set.Type = TypeFile
		}
		set.Values |= value
		return nil
	}
	device := func(opt string, value Options) error {
		if err := createOnly(opt); err != nil {
			return err
		}
		if set.Values.DeviceType() != 0 {
			return status.Errorf(status.BadSyntax, "only one of hd, fd, cd and raw can be given")
		}
		set.Values |= value
		return nil
	}

	for _, raw := range opts {
		opt := strings.ToLower(strings.TrimSpace(raw))
		var err error
		switch opt {
		case "":
			continue
		case "ro":
			err = toggle(opt, OptReadOnly, true)
		case "rw":
			err = toggle(opt, OptReadOnly, false)
		case "rem":
			err = toggle(opt, OptRemovable, true)
		case "fix":
			err = toggle(opt, OptRemovable, false)
		case "saved":
			if !forEdit {
				return set, status.Errorf(status.BadSyntax, "option %q is only valid with -e", opt)
			}
			err = toggle(opt, OptModified, false)
		case "sparse":
			if err = createOnly(opt); err == nil {
				set.Values |= OptSparse
			}
		case "bswap":
			if err = createOnly(opt); err == nil {
				set.Values |= OptByteSwap
			}
		case "shared":
			if err = createOnly(opt); err == nil {
				set.Values |= OptShared
			}
		case "ip":
			err = backend(opt, TypeProxy, ProxyTCP)
		case "comm":
			err = backend(opt, TypeProxy, ProxyComm)
		case "shm":
			err = backend(opt, TypeProxy, ProxySHM)
		case "awe":
			err = backend(opt, TypeFile, BackendAWE)
		case "par":
			err = backend(opt, TypeFile, BackendParallel)
		case "buf":
			err = backend(opt, TypeFile, BackendBuffered)
		case "hd":
			err = device(opt, DeviceHD)
		case "fd":
			err = device(opt, DeviceFD)
		case "cd":
			err = device(opt, DeviceCD)
		case "raw":
			err = device(opt, DeviceRaw)
		default:
			err = status.Errorf(status.BadSyntax, "unknown option %q", raw)
		}
		if err != nil {
			return set, err
		}
	}

	if !forEdit {
		set.Mask = 0
	}
	return set, nil
}

var floppySizes = map[int64]bool{
	160 << 10: true, 180 << 10: true, 320 << 10: true, 360 << 10: true,
	640 << 10: true, 720 << 10: true, 820 << 10: true, 1200 << 10: true,
	1440 << 10: true, 1680 << 10: true, 1722 << 10: true, 2880 << 10: true,
	123264 << 10: true, 234752 << 10: true,
}

// DefaultDeviceType picks CD for optical image names, FD for well-known
// floppy sizes and HD otherwise.
func DefaultDeviceType(file string, size int64) Options {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".iso", ".nrg", ".bin":
		return DeviceCD
	}
	if floppySizes[size] {
		return DeviceFD
	}
	return DeviceHD
}

func (o Options) backendName(t DiskType) string {
	switch t {
	case TypeProxy:
		switch o.Backend() {
		case ProxyTCP:
			return "ip"
		case ProxyComm:
			return "comm"
		case ProxySHM:
			return "shm"
		}
	default:
		switch o.Backend() {
		case BackendAWE:
			return "awe"
		case BackendParallel:
			return "par"
		case BackendBuffered:
			return "buf"
		}
	}
	return ""
}

// Names lists the flag and device type names set in o. Backing sub-types
// are left out since they cannot be named without the disk type.
func (o Options) Names() []string {
	var names []string
	if o&OptReadOnly != 0 {
		names = append(names, "ro")
	}
	if o&OptRemovable != 0 {
		names = append(names, "rem")
	}
	if o&OptSparse != 0 {
		names = append(names, "sparse")
	}
	if o&OptShared != 0 {
		names = append(names, "shared")
	}
	if o&OptByteSwap != 0 {
		names = append(names, "bswap")
	}
	if o&OptModified != 0 {
		names = append(names, "modified")
	}
	switch o.DeviceType() {
	case DeviceHD:
		names = append(names, "hd")
	case DeviceFD:
		names = append(names, "fd")
	case DeviceCD:
		names = append(names, "cd")
	case DeviceRaw:
		names = append(names, "raw")
	}
	return names
}

func (o Options) MarshalText() ([]byte, error) {
	return []byte(strings.Join(o.Names(), ",")), nil
}

// Summary describes a device's characteristics in the style of the list
// output, e.g. ", ReadOnly, Removable, Virtual Memory, CD-ROM".
func (info DeviceInfo) Summary() string {
	var b strings.Builder
	o := info.Options
	if o&OptShared != 0 {
		b.WriteString(", Shared image")
	}
	if o&OptReadOnly != 0 {
		b.WriteString(", ReadOnly")
	}
	if o&OptRemovable != 0 {
		b.WriteString(", Removable")
	}

	switch {
	case info.Type == TypeVM:
		b.WriteString(", Virtual Memory")
	case info.Type == TypeProxy:
		b.WriteString(", Proxy")
	case o.Backend() == BackendAWE:
		b.WriteString(", Physical Memory")
	case o.Backend() == BackendParallel:
		b.WriteString(", Parallel I/O Image File")
	case o.Backend() == BackendBuffered:
		b.WriteString(", Queued buffered I/O Image File")
	default:
		b.WriteString(", Queued unbuffered I/O Image File")
	}

	switch o.DeviceType() {
	case DeviceCD:
		b.WriteString(", CD-ROM")
	case DeviceRaw:
		b.WriteString(", RAW")
	case DeviceFD:
		b.WriteString(", Floppy")
	default:
		b.WriteString(", HDD")
	}

	if o&OptModified != 0 {
		b.WriteString(", Modified")
	}
	return b.String()
}
