package driver

import (
	"context"

	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
)

// Channel is an open connection to the driver control device or to one
// unit. It carries one request and its response at a time.
type Channel interface {
	Transact(ctx context.Context, op protocol.Opcode, req []byte) ([]byte, error)
	Close() error
}

// Backend opens channels to the driver. Errors are classified status
// errors, except that OpenControl returns ErrNoDriver when the control
// device is missing.
type Backend interface {
	OpenControl(ctx context.Context) (Channel, error)
	OpenUnit(ctx context.Context, unit uint32) (Channel, error)
	OpenMountPoint(ctx context.Context, mountPoint string) (Channel, error)
}

// BackendConfig locates the driver's devices.
type BackendConfig struct {
	ControlDevice string
	DeviceDir     string
	Mounts        mount.Enumerator
}

// NewBackend creates the backend for the running platform.
func NewBackend(cfg BackendConfig) Backend {
	if cfg.Mounts == nil {
		cfg.Mounts = mount.NewEnumerator()
	}
	return newBackend(cfg)
}
