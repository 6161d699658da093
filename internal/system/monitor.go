package system

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type SystemMonitor struct{}

func NewSystemMonitor() *SystemMonitor {
	return &SystemMonitor{}
}

// FreeMemory returns the physical memory available for new allocations.
// It backs percent sizes.
func (sm *SystemMonitor) FreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read memory statistics: %w", err)
	}
	return vm.Available, nil
}

// GetSystemInfo returns host and memory facts for diagnostics. Facts that
// cannot be read are left out.
func (sm *SystemMonitor) GetSystemInfo() (map[string]interface{}, error) {
	info := make(map[string]interface{})

	if hostInfo, err := host.Info(); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["platform"] = hostInfo.Platform
		info["kernel"] = hostInfo.KernelVersion
		info["arch"] = hostInfo.KernelArch
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = memInfo.Total
		info["memory_available"] = memInfo.Available
		info["memory_percent"] = memInfo.UsedPercent
	}

	if len(info) == 0 {
		return nil, fmt.Errorf("no system information available")
	}
	return info, nil
}

// MountUsage returns capacity figures of the file system mounted at path.
func (sm *SystemMonitor) MountUsage(path string) (*disk.UsageStat, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("usage of %s: %w", path, err)
	}
	return usage, nil
}

// Holder is a process with files open below a mount point.
type Holder struct {
	PID  int32
	Name string
}

// HoldersOf lists processes with files open below mountPoint. Processes
// that cannot be inspected are skipped.
func (sm *SystemMonitor) HoldersOf(mountPoint string) ([]Holder, error) {
	prefix := filepath.Clean(mountPoint)
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var holders []Holder
	for _, proc := range procs {
		files, err := proc.OpenFiles()
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path+string(filepath.Separator) == prefix || strings.HasPrefix(f.Path, prefix) {
				name, _ := proc.Name()
				holders = append(holders, Holder{PID: proc.Pid, Name: name})
				break
			}
		}
	}
	return holders, nil
}
