package main

import (
	"fmt"
	"log"
	"runtime"

	"github.com/gajzzs/vdiskctl/internal/config"
	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/service"
	"github.com/gajzzs/vdiskctl/internal/system"
)

func main() {
	fmt.Printf("Probing virtual disk support on %s\n", runtime.GOOS)

	if err := config.InitConfig(""); err != nil {
		log.Printf("Error loading config: %v", err)
	}
	cfg := config.GetConfig()
	fmt.Printf("Config: %s\n", config.ConfigFile)
	fmt.Printf("Control device: %s\n", cfg.ControlDevice)

	fmt.Println("\n=== Mounts ===")
	mounts, err := mount.NewEnumerator().Mounts()
	if err != nil {
		log.Printf("Error listing mounts: %v", err)
	} else {
		for _, m := range mounts {
			fmt.Printf("%-30s %-20s %s\n", m.MountPoint, m.Device, m.FSType)
		}
		if free, err := mount.Free(mount.Static(mounts), cfg.MountBase); err == nil {
			fmt.Printf("Next free mount point: %s\n", free)
		}
	}

	fmt.Printf("\n=== Services (%s) ===\n", service.Platform())
	sm := service.NewServiceManager()
	for _, name := range []string{cfg.DriverService, cfg.ProxyService, cfg.MemoryService} {
		if name == "" {
			continue
		}
		st, err := sm.Status(name)
		if err != nil {
			log.Printf("Error reading status of %s: %v", name, err)
		}
		fmt.Printf("%-12s %s\n", name, st)
	}

	fmt.Println("\n=== System ===")
	monitor := system.NewSystemMonitor()
	info, err := monitor.GetSystemInfo()
	if err != nil {
		log.Printf("Error reading system info: %v", err)
	}
	for _, key := range []string{"hostname", "os", "platform", "kernel", "arch"} {
		if v, ok := info[key]; ok {
			fmt.Printf("%-10s %v\n", key+":", v)
		}
	}
	if free, err := monitor.FreeMemory(); err == nil {
		fmt.Printf("Free memory for %% sizes: %d MiB\n", free>>20)
	}
	if usage, err := monitor.MountUsage(cfg.DeviceDir); err == nil {
		fmt.Printf("%s: %.1f%% used\n", cfg.DeviceDir, usage.UsedPercent)
	}
}
