package protocol

import (
	"testing"

	"github.com/gajzzs/vdiskctl/internal/status"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name  string
		unit  string
		mount string
		want  string
		code  status.Code
	}{
		{"unit", "3", "", "unit 3", status.Success},
		{"hex unit", "0x10", "", "unit 16", status.Success},
		{"octal unit", "010", "", "unit 8", status.Success},
		{"drive letter", "", "e:", "E:", status.Success},
		{"directory", "", "/mnt/disk/", "/mnt/disk", status.Success},
		{"both", "1", "E:", "", status.BadSyntax},
		{"neither", "", "", "", status.BadSyntax},
		{"signed unit", "-1", "", "", status.BadSyntax},
		{"letters", "abc", "", "", status.BadSyntax},
		{"too large", "65536", "", "", status.BadSyntax},
		{"auto mount point", "", "#:", "", status.BadSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParseTarget(tt.unit, tt.mount)
			if code := status.CodeOf(err); code != tt.code {
				t.Fatalf("code = %s (%v), want %s", code, err, tt.code)
			}
			if err != nil {
				return
			}
			if !target.Valid() {
				t.Error("parsed target should be valid")
			}
			if got := target.String(); got != tt.want {
				t.Errorf("target = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceTargetZeroValue(t *testing.T) {
	var target DeviceTarget
	if target.Valid() {
		t.Error("zero target should not be valid")
	}
	if _, ok := target.Unit(); ok {
		t.Error("zero target has no unit")
	}
	if _, ok := target.MountPoint(); ok {
		t.Error("zero target has no mount point")
	}
}

func TestParseDiskType(t *testing.T) {
	for _, in := range []string{"file", "VM", "Proxy"} {
		if _, err := ParseDiskType(in); err != nil {
			t.Errorf("ParseDiskType(%q): %v", in, err)
		}
	}
	if _, err := ParseDiskType("ram"); status.CodeOf(err) != status.BadSyntax {
		t.Errorf("ParseDiskType(ram) err = %v, want BadSyntax", err)
	}
}

func TestDiskSpecNormalize(t *testing.T) {
	s := DiskSpec{File: "/images/boot.ISO", MountPoint: "f:"}.Normalize()
	if s.Type != TypeFile {
		t.Errorf("type = %s, want file", s.Type)
	}
	if s.Options.DeviceType() != DeviceCD {
		t.Errorf("device type = %#x, want CD", s.Options.DeviceType())
	}
	if !s.Options.Has(OptReadOnly | OptRemovable) {
		t.Error("CD images should be read-only and removable")
	}
	if s.MountPoint != "F:" {
		t.Errorf("mount point = %q", s.MountPoint)
	}

	s = DiskSpec{Size: 1440 << 10}.Normalize()
	if s.Type != TypeVM || s.Options.DeviceType() != DeviceFD {
		t.Errorf("1440K vm disk = %s %#x, want vm floppy", s.Type, s.Options)
	}

	s = DiskSpec{Type: TypeVM, Size: 64 << 20}.Normalize()
	if s.Options.DeviceType() != DeviceHD {
		t.Errorf("device type = %#x, want HD", s.Options.DeviceType())
	}
}

func TestDiskSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec DiskSpec
		code status.Code
	}{
		{"file", DiskSpec{Type: TypeFile, File: "disk.img"}, status.Success},
		{"vm", DiskSpec{Type: TypeVM, Size: 1 << 20}, status.Success},
		{"vm from image", DiskSpec{Type: TypeVM, File: "disk.img"}, status.Success},
		{"proxy", DiskSpec{Type: TypeProxy, File: "server:9000", Options: ProxyTCP}, status.Success},
		{"awe ramdisk", DiskSpec{Type: TypeFile, Size: 1 << 20, Options: BackendAWE}, status.Success},
		{"no type", DiskSpec{File: "disk.img"}, status.BadSyntax},
		{"file without path", DiskSpec{Type: TypeFile, Size: 1 << 20}, status.BadSyntax},
		{"awe without size", DiskSpec{Type: TypeFile, Options: BackendAWE}, status.BadSyntax},
		{"vm without size", DiskSpec{Type: TypeVM}, status.BadSyntax},
		{"read-only vm", DiskSpec{Type: TypeVM, Size: 1 << 20, Options: OptReadOnly}, status.BadSyntax},
		{"proxy without name", DiskSpec{Type: TypeProxy}, status.BadSyntax},
		{"negative size", DiskSpec{Type: TypeVM, Size: -1}, status.BadSyntax},
		{"negative offset", DiskSpec{Type: TypeFile, File: "a", Offset: -1}, status.BadSyntax},
		{"odd sector size", DiskSpec{Type: TypeFile, File: "a", SectorSize: 1000}, status.BadSyntax},
		{"small sector size", DiskSpec{Type: TypeFile, File: "a", SectorSize: 256}, status.BadSyntax},
		{"unit out of range", DiskSpec{Type: TypeFile, File: "a", Unit: 70000}, status.BadSyntax},
		{"partition without image", DiskSpec{Type: TypeVM, Size: 1 << 20, Partition: 1}, status.BadSyntax},
		{"saved on create", DiskSpec{Type: TypeFile, File: "a", Options: OptModified}, status.BadSyntax},
		{"backend on vm", DiskSpec{Type: TypeVM, Size: 1 << 20, Options: BackendParallel}, status.BadSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := status.CodeOf(tt.spec.Validate()); code != tt.code {
				t.Errorf("Validate() = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestEditSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		edit EditSpec
		ok   bool
	}{
		{"grow", EditSpec{Size: 2 << 20}, true},
		{"read-only", EditSpec{Options: OptReadOnly, Mask: OptReadOnly}, true},
		{"clear modified", EditSpec{Mask: OptModified}, true},
		{"nothing", EditSpec{}, false},
		{"negative", EditSpec{Size: -1}, false},
		{"sparse", EditSpec{Options: OptSparse, Mask: OptSparse}, false},
		{"value outside mask", EditSpec{Options: OptReadOnly, Mask: OptRemovable}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    []string
		forEdit bool
		typ     DiskType
		values  Options
		mask    Options
		implied DiskType
		ok      bool
	}{
		{"read-only removable", []string{"ro", "rem"}, false, TypeUnset, OptReadOnly | OptRemovable, 0, TypeUnset, true},
		{"awe implies file", []string{"awe"}, false, TypeUnset, BackendAWE, 0, TypeFile, true},
		{"proxy tcp", []string{"ip"}, false, TypeProxy, ProxyTCP, 0, TypeUnset, true},
		{"cd device", []string{"cd", "sparse"}, false, TypeFile, DeviceCD | OptSparse, 0, TypeUnset, true},
		{"edit toggles", []string{"rw", "fix", "saved"}, true, TypeUnset, 0, OptReadOnly | OptRemovable | OptModified, TypeUnset, true},
		{"edit set ro", []string{"RO"}, true, TypeUnset, OptReadOnly, OptReadOnly, TypeUnset, true},
		{"ro and rw", []string{"ro", "rw"}, false, TypeUnset, 0, 0, TypeUnset, false},
		{"rem and fix", []string{"rem", "fix"}, true, TypeUnset, 0, 0, TypeUnset, false},
		{"saved on create", []string{"saved"}, false, TypeUnset, 0, 0, TypeUnset, false},
		{"sparse on edit", []string{"sparse"}, true, TypeUnset, 0, 0, TypeUnset, false},
		{"ip without proxy", []string{"ip"}, false, TypeFile, 0, 0, TypeUnset, false},
		{"awe on vm", []string{"awe"}, false, TypeVM, 0, 0, TypeUnset, false},
		{"two backends", []string{"par", "buf"}, false, TypeFile, 0, 0, TypeUnset, false},
		{"two device types", []string{"hd", "cd"}, false, TypeUnset, 0, 0, TypeUnset, false},
		{"unknown", []string{"fast"}, false, TypeUnset, 0, 0, TypeUnset, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseOptions(tt.opts, tt.forEdit, tt.typ)
			if !tt.ok {
				if status.CodeOf(err) != status.BadSyntax {
					t.Errorf("err = %v, want BadSyntax", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOptions: %v", err)
			}
			if set.Values != tt.values || set.Mask != tt.mask || set.Type != tt.implied {
				t.Errorf("got values=%#x mask=%#x type=%s, want values=%#x mask=%#x type=%s",
					set.Values, set.Mask, set.Type, tt.values, tt.mask, tt.implied)
			}
		})
	}
}

func TestDefaultDeviceType(t *testing.T) {
	tests := []struct {
		file string
		size int64
		want Options
	}{
		{"cd.iso", 0, DeviceCD},
		{"track.BIN", 0, DeviceCD},
		{"image.nrg", 0, DeviceCD},
		{"floppy.img", 1440 << 10, DeviceFD},
		{"", 2880 << 10, DeviceFD},
		{"disk.img", 1 << 30, DeviceHD},
	}
	for _, tt := range tests {
		if got := DefaultDeviceType(tt.file, tt.size); got != tt.want {
			t.Errorf("DefaultDeviceType(%q, %d) = %#x, want %#x", tt.file, tt.size, got, tt.want)
		}
	}
}

func TestDeviceInfoSummary(t *testing.T) {
	info := DeviceInfo{Type: TypeVM, Options: OptReadOnly | OptRemovable | DeviceCD}
	if got, want := info.Summary(), ", ReadOnly, Removable, Virtual Memory, CD-ROM"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	info = DeviceInfo{Type: TypeFile, Options: DeviceHD | BackendParallel | OptModified}
	if got, want := info.Summary(), ", Parallel I/O Image File, HDD, Modified"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
