package mount

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestSame(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"E:", "e:", true},
		{"E:", `E:\`, true},
		{"E:", "F:", false},
		{"/mnt/vdisk/vd0", "/mnt/vdisk/vd0/", true},
		{"/mnt/vdisk/../vdisk/vd0", "/mnt/vdisk/vd0", true},
		{"/mnt/vdisk/vd0", "/mnt/vdisk/vd1", false},
	}
	for _, tt := range tests {
		if got := Same(tt.a, tt.b); got != tt.want {
			t.Errorf("Same(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestFind(t *testing.T) {
	mounts := Static{
		{Device: "/dev/sda1", MountPoint: "/"},
		{Device: "/dev/vdisk/0", MountPoint: "/mnt/vdisk/vd0", FSType: "ext4"},
	}

	m, err := Find(mounts, "/mnt/vdisk/vd0/")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if m == nil || m.Device != "/dev/vdisk/0" {
		t.Errorf("Find = %+v, want /dev/vdisk/0", m)
	}

	m, err = Find(mounts, "/mnt/vdisk/vd1")
	if err != nil || m != nil {
		t.Errorf("Find of an unused path = %+v, %v; want nil, nil", m, err)
	}

	used, err := InUse(mounts, "/")
	if err != nil || !used {
		t.Errorf("InUse(/) = %v, %v", used, err)
	}
}

type failingEnumerator struct{}

func (failingEnumerator) Mounts() ([]Mount, error) {
	return nil, errors.New("permission denied")
}

func TestFindEnumerationError(t *testing.T) {
	if _, err := Find(failingEnumerator{}, "/"); err == nil {
		t.Error("expected an error")
	}
	if _, err := Free(failingEnumerator{}, "/mnt"); err == nil {
		t.Error("expected an error")
	}
}

func TestFreeDriveLetter(t *testing.T) {
	mounts := []Mount{{MountPoint: `C:\`}, {MountPoint: "D:"}, {MountPoint: "e:"}}
	got, err := FreeDriveLetter(mounts)
	if err != nil || got != "F:" {
		t.Errorf("FreeDriveLetter = %q, %v; want F:", got, err)
	}

	var all []Mount
	for c := 'D'; c <= 'Z'; c++ {
		all = append(all, Mount{MountPoint: string(c) + ":"})
	}
	if _, err := FreeDriveLetter(all); !errors.Is(err, ErrNoFreeMountPoint) {
		t.Errorf("all letters used: %v, want ErrNoFreeMountPoint", err)
	}
}

func TestFreeDirectory(t *testing.T) {
	base := filepath.FromSlash("/mnt/vdisk")
	mounts := []Mount{
		{MountPoint: filepath.Join(base, "vd0")},
		{MountPoint: filepath.Join(base, "vd2")},
	}
	got, err := FreeDirectory(mounts, base)
	if err != nil || got != filepath.Join(base, "vd1") {
		t.Errorf("FreeDirectory = %q, %v; want vd1", got, err)
	}

	var all []Mount
	for i := 0; i < MaxDirectories; i++ {
		all = append(all, Mount{MountPoint: filepath.Join(base, fmt.Sprintf("vd%d", i))})
	}
	if _, err := FreeDirectory(all, base); !errors.Is(err, ErrNoFreeMountPoint) {
		t.Errorf("all directories used: %v, want ErrNoFreeMountPoint", err)
	}
}

func TestFree(t *testing.T) {
	mounts := Static{{MountPoint: "D:"}}
	got, err := Free(mounts, "")
	if err != nil || got != "E:" {
		t.Errorf("Free without base = %q, %v; want E:", got, err)
	}
	got, err = Free(mounts, filepath.FromSlash("/mnt/vdisk"))
	if err != nil || got != filepath.Join(filepath.FromSlash("/mnt/vdisk"), "vd0") {
		t.Errorf("Free with base = %q, %v", got, err)
	}
}
