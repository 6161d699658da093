//go:build !darwin
// +build !darwin

package mount

import (
	"github.com/shirou/gopsutil/v3/disk"
)

type partitionEnumerator struct{}

func newEnumerator() Enumerator {
	return &partitionEnumerator{}
}

func (pe *partitionEnumerator) Mounts() ([]Mount, error) {
	// all=true so that virtual and pseudo file systems are included
	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil, err
	}

	mounts := make([]Mount, 0, len(partitions))
	for _, p := range partitions {
		if p.Mountpoint == "" {
			continue
		}
		mounts = append(mounts, Mount{
			Device:     p.Device,
			MountPoint: p.Mountpoint,
			FSType:     p.Fstype,
		})
	}
	return mounts, nil
}
