//go:build darwin
// +build darwin

package mount

import (
	"fmt"
	"os/exec"

	"howett.net/plist"
)

type diskutilEnumerator struct{}

func newEnumerator() Enumerator {
	return &diskutilEnumerator{}
}

type diskutilVolume struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	MountPoint       string `plist:"MountPoint"`
	Content          string `plist:"Content"`
}

type diskutilOutput struct {
	AllDisksAndPartitions []struct {
		diskutilVolume
		Partitions  []diskutilVolume `plist:"Partitions"`
		APFSVolumes []diskutilVolume `plist:"APFSVolumes"`
	} `plist:"AllDisksAndPartitions"`
}

func (de *diskutilEnumerator) Mounts() ([]Mount, error) {
	output, err := exec.Command("diskutil", "list", "-plist").Output()
	if err != nil {
		return nil, fmt.Errorf("diskutil list: %w", err)
	}
	return parseDiskutil(output)
}

func parseDiskutil(data []byte) ([]Mount, error) {
	var out diskutilOutput
	if _, err := plist.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse diskutil output: %w", err)
	}

	var mounts []Mount
	add := func(v diskutilVolume) {
		if v.MountPoint == "" {
			return
		}
		mounts = append(mounts, Mount{
			Device:     "/dev/" + v.DeviceIdentifier,
			MountPoint: v.MountPoint,
			FSType:     v.Content,
		})
	}
	for _, disk := range out.AllDisksAndPartitions {
		add(disk.diskutilVolume)
		for _, p := range disk.Partitions {
			add(p)
		}
		for _, v := range disk.APFSVolumes {
			add(v)
		}
	}
	return mounts, nil
}
