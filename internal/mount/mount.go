// Package mount enumerates mounted file systems and picks free mount points
// for new virtual disks.
package mount

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNoFreeMountPoint is returned when every candidate mount point is taken.
var ErrNoFreeMountPoint = errors.New("no free mount point")

// Mount is one mounted file system.
type Mount struct {
	Device     string `json:"device" yaml:"device"`
	MountPoint string `json:"mount_point" yaml:"mount_point"`
	FSType     string `json:"fstype,omitempty" yaml:"fstype,omitempty"`
}

// Enumerator lists the mounts of the running system.
type Enumerator interface {
	Mounts() ([]Mount, error)
}

// NewEnumerator creates the enumerator for the running platform.
func NewEnumerator() Enumerator {
	return newEnumerator()
}

// Static is an Enumerator over a fixed list.
type Static []Mount

func (s Static) Mounts() ([]Mount, error) {
	return s, nil
}

// Same reports whether two mount points name the same place. Drive letters
// compare case-insensitively and a trailing backslash is ignored.
func Same(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(mp string) string {
	if len(mp) >= 2 && mp[1] == ':' && (len(mp) == 2 || mp[2:] == `\`) {
		return strings.ToUpper(mp[:2])
	}
	return filepath.Clean(mp)
}

// Find returns the mount at mountPoint, nil when nothing is mounted there.
func Find(e Enumerator, mountPoint string) (*Mount, error) {
	mounts, err := e.Mounts()
	if err != nil {
		return nil, fmt.Errorf("enumerate mounts: %w", err)
	}
	for i := range mounts {
		if Same(mounts[i].MountPoint, mountPoint) {
			return &mounts[i], nil
		}
	}
	return nil, nil
}

// InUse reports whether something is mounted at mountPoint.
func InUse(e Enumerator, mountPoint string) (bool, error) {
	m, err := Find(e, mountPoint)
	return m != nil, err
}

// FreeDriveLetter returns the first drive letter from D: on that is not
// mounted.
func FreeDriveLetter(mounts []Mount) (string, error) {
	used := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		used[canonical(m.MountPoint)] = true
	}
	for c := 'D'; c <= 'Z'; c++ {
		letter := string(c) + ":"
		if !used[letter] {
			return letter, nil
		}
	}
	return "", ErrNoFreeMountPoint
}

// MaxDirectories bounds the directories FreeDirectory considers.
const MaxDirectories = 256

// FreeDirectory returns the first of base/vd0, base/vd1, ... that is not a
// mount point.
func FreeDirectory(mounts []Mount, base string) (string, error) {
	used := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		used[canonical(m.MountPoint)] = true
	}
	for i := 0; i < MaxDirectories; i++ {
		dir := filepath.Join(base, fmt.Sprintf("vd%d", i))
		if !used[dir] {
			return dir, nil
		}
	}
	return "", ErrNoFreeMountPoint
}

// Free picks a free mount point: a drive letter when base is empty, a
// directory below base otherwise.
func Free(e Enumerator, base string) (string, error) {
	mounts, err := e.Mounts()
	if err != nil {
		return "", fmt.Errorf("enumerate mounts: %w", err)
	}
	if base == "" {
		return FreeDriveLetter(mounts)
	}
	return FreeDirectory(mounts, base)
}
