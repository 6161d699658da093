package system

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFreeMemory(t *testing.T) {
	free, err := NewSystemMonitor().FreeMemory()
	if err != nil {
		t.Skipf("memory statistics unavailable: %v", err)
	}
	if free == 0 {
		t.Error("FreeMemory reported zero bytes available")
	}
}

func TestMountUsage(t *testing.T) {
	sm := NewSystemMonitor()
	if _, err := sm.MountUsage(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing path")
	}
	usage, err := sm.MountUsage(t.TempDir())
	if err != nil {
		t.Skipf("usage unavailable: %v", err)
	}
	if usage.Total == 0 {
		t.Error("total size is zero")
	}
}

func TestHoldersOf(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "held"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	holders, err := NewSystemMonitor().HoldersOf(dir)
	if err != nil {
		t.Skipf("process list unavailable: %v", err)
	}
	for _, h := range holders {
		if int(h.PID) == os.Getpid() {
			return
		}
	}
	t.Skip("own open files not visible on this platform")
}
