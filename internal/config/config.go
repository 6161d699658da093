package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gajzzs/vdiskctl/internal/protocol"
)

// EnvConfig names the environment variable that overrides the config path.
const EnvConfig = "VDISKCTL_CONFIG"

type Config struct {
	ControlDevice string           `json:"control_device"`
	DeviceDir     string           `json:"device_dir"`
	DriverService string           `json:"driver_service"`
	ProxyService  string           `json:"proxy_service"`
	MemoryService string           `json:"memory_service"`
	Timeout       Duration         `json:"timeout"`
	RetryDelay    Duration         `json:"retry_delay"`
	MountBase     string           `json:"mount_base"`
	Persistent    []PersistentDisk `json:"persistent"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// PersistentDisk is a saved create request, restored with --restore.
type PersistentDisk struct {
	Type       string `json:"type"`
	File       string `json:"file,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	SectorSize uint32 `json:"sector_size,omitempty"`
	Unit       *int   `json:"unit,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`
	Options    uint32 `json:"options,omitempty"`
}

// FromSpec records spec for saving.
func FromSpec(spec protocol.DiskSpec) PersistentDisk {
	pd := PersistentDisk{
		Type:       spec.Type.String(),
		File:       spec.File,
		Size:       spec.Size,
		Offset:     spec.Offset,
		SectorSize: spec.SectorSize,
		MountPoint: spec.MountPoint,
		Options:    uint32(spec.Options),
	}
	if spec.Unit != protocol.AutoUnit {
		u := int(spec.Unit)
		pd.Unit = &u
	}
	return pd
}

// FromDevice records spec as the driver created it. The assigned unit and
// mount point replace automatic ones, and a partition is saved as the
// offset and size it resolved to.
func FromDevice(spec protocol.DiskSpec, d protocol.DeviceInfo) PersistentDisk {
	pd := FromSpec(spec)
	u := int(d.Unit)
	pd.Unit = &u
	if d.MountPoint != "" || spec.MountPoint == protocol.AutoMountPoint {
		pd.MountPoint = d.MountPoint
	}
	if spec.Partition != 0 {
		pd.Offset = d.Offset
		pd.Size = d.Size
	}
	return pd
}

// Spec turns the record back into a DiskSpec.
func (pd PersistentDisk) Spec() (protocol.DiskSpec, error) {
	t, err := protocol.ParseDiskType(pd.Type)
	if err != nil {
		return protocol.DiskSpec{}, err
	}
	spec := protocol.NewDiskSpec()
	spec.Type = t
	spec.File = pd.File
	spec.Size = pd.Size
	spec.Offset = pd.Offset
	spec.SectorSize = pd.SectorSize
	spec.MountPoint = pd.MountPoint
	spec.Options = protocol.Options(pd.Options)
	if pd.Unit != nil {
		spec.Unit = uint32(*pd.Unit)
	}
	return spec, nil
}

var (
	ConfigDir  = defaultConfigDir()
	ConfigFile = filepath.Join(ConfigDir, "config.json")
	config     *Config
)

func defaultConfigDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "vdiskctl")
	}
	return "/etc/vdiskctl"
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	cfg := &Config{
		ControlDevice: "/dev/vdisk/control",
		DeviceDir:     "/dev/vdisk",
		DriverService: "vdisk",
		ProxyService:  "vdiskproxy",
		MemoryService: "vdiskmem",
		Timeout:       Duration{10 * time.Second},
		RetryDelay:    Duration{200 * time.Millisecond},
		MountBase:     "/mnt/vdisk",
		Persistent:    []PersistentDisk{},
	}
	if runtime.GOOS == "windows" {
		cfg.ControlDevice = `\\.\VDiskCtl`
		cfg.DeviceDir = `\\.\`
		cfg.MountBase = ""
	}
	return cfg
}

// InitConfig loads the config file at path. An empty path means the
// VDISKCTL_CONFIG variable or the default location. A missing file leaves
// the defaults in place and nothing is written.
func InitConfig(path string) error {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		ConfigFile = path
		ConfigDir = filepath.Dir(path)
	}

	config = Default()

	data, err := os.ReadFile(ConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no config file, using defaults", "path", ConfigFile)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", ConfigFile, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		slog.Warn("config file corrupted, using defaults", "path", ConfigFile, "err", err)
		config = Default()
		return nil
	}
	config.fillDefaults()
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.ControlDevice == "" {
		c.ControlDevice = def.ControlDevice
	}
	if c.DeviceDir == "" {
		c.DeviceDir = def.DeviceDir
	}
	if c.DriverService == "" {
		c.DriverService = def.DriverService
	}
	if c.Timeout.Duration <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryDelay.Duration < 0 {
		c.RetryDelay = def.RetryDelay
	}
}

// GetConfig returns the loaded configuration, the defaults before
// InitConfig.
func GetConfig() *Config {
	if config == nil {
		config = Default()
	}
	return config
}

// SaveConfig writes the configuration back to ConfigFile.
func SaveConfig() error {
	if err := os.MkdirAll(ConfigDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(GetConfig(), "", "  ")
	if err != nil {
		return err
	}

	tmp := ConfigFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, ConfigFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	slog.Debug("configuration saved", "path", ConfigFile)
	return nil
}

// matches reports whether pd is saved under unit or mountPoint.
func (pd PersistentDisk) matches(unit *int, mountPoint string) bool {
	if unit != nil && pd.Unit != nil && *unit == *pd.Unit {
		return true
	}
	if mountPoint == "" || pd.MountPoint == "" {
		return false
	}
	return protocol.IsDriveLetter(mountPoint) && equalFoldASCII(pd.MountPoint, mountPoint) ||
		filepath.Clean(pd.MountPoint) == filepath.Clean(mountPoint)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]|0x20 != b[i]|0x20 {
			return false
		}
	}
	return true
}

// AddPersistent saves pd, replacing a record for the same unit or mount
// point.
func AddPersistent(pd PersistentDisk) error {
	cfg := GetConfig()
	kept := cfg.Persistent[:0]
	for _, existing := range cfg.Persistent {
		if !existing.matches(pd.Unit, pd.MountPoint) {
			kept = append(kept, existing)
		}
	}
	cfg.Persistent = append(kept, pd)
	return SaveConfig()
}

// RemovePersistent drops the record for target. It reports whether a record
// was removed; the file is only written in that case.
func RemovePersistent(target protocol.DeviceTarget) (bool, error) {
	var unit *int
	if u, ok := target.Unit(); ok {
		v := int(u)
		unit = &v
	}
	mp, _ := target.MountPoint()
	return removeMatching(unit, mp)
}

// RemovePersistentDevice drops the records saved under the unit or the
// mount point of d.
func RemovePersistentDevice(d protocol.DeviceInfo) (bool, error) {
	u := int(d.Unit)
	return removeMatching(&u, d.MountPoint)
}

func removeMatching(unit *int, mountPoint string) (bool, error) {
	cfg := GetConfig()
	kept := cfg.Persistent[:0]
	removed := false
	for _, existing := range cfg.Persistent {
		if existing.matches(unit, mountPoint) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	cfg.Persistent = kept
	if !removed {
		return false, nil
	}
	return true, SaveConfig()
}
