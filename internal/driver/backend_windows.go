//go:build windows
// +build windows

package driver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/status"
)

const (
	methodBuffered  = 0
	fileReadAccess  = 1
	fileWriteAccess = 2

	// Device types from 0x8000 up are free for third party drivers.
	fileDeviceVDisk = 0x8000
)

// maxResponse fits a unit list of every possible unit.
const maxResponse = 1 << 20

// ioctlCode is CTL_CODE(FILE_DEVICE_VDISK, 0x800+op, METHOD_BUFFERED,
// FILE_READ_ACCESS|FILE_WRITE_ACCESS).
func ioctlCode(op protocol.Opcode) uint32 {
	return fileDeviceVDisk<<16 | (fileReadAccess|fileWriteAccess)<<14 | (0x800+uint32(op))<<2 | methodBuffered
}

type winBackend struct {
	cfg BackendConfig
}

func newBackend(cfg BackendConfig) Backend {
	return &winBackend{cfg: cfg}
}

func openDevice(path string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
}

func notFound(err error) bool {
	return errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_PATH_NOT_FOUND)
}

func (b *winBackend) OpenControl(ctx context.Context) (Channel, error) {
	path := b.cfg.ControlDevice
	h, err := openDevice(path)
	switch {
	case err == nil:
		return &handleChannel{h: h, path: path}, nil
	case notFound(err):
		return nil, fmt.Errorf("%s: %w", path, ErrNoDriver)
	}
	return nil, status.Wrap(status.DriverInaccessible, err, "open %s", path)
}

func (b *winBackend) OpenUnit(ctx context.Context, unit uint32) (Channel, error) {
	return b.openPath(fmt.Sprintf(`%sVDisk%d`, b.cfg.DeviceDir, unit), fmt.Sprintf("unit %d", unit))
}

func (b *winBackend) openPath(path, what string) (Channel, error) {
	h, err := openDevice(path)
	switch {
	case err == nil:
		return &handleChannel{h: h, path: path}, nil
	case notFound(err):
		return nil, status.Errorf(status.DeviceNotFound, "no virtual disk at %s", what)
	case errors.Is(err, windows.ERROR_SHARING_VIOLATION):
		return nil, &status.Error{
			Code:      status.DeviceInaccessible,
			Message:   fmt.Sprintf("%s is opened exclusively by another process", what),
			Err:       err,
			Transient: true,
		}
	}
	return nil, status.Wrap(status.DeviceInaccessible, err, "open %s", what)
}

func (b *winBackend) OpenMountPoint(ctx context.Context, mountPoint string) (Channel, error) {
	if protocol.IsDriveLetter(mountPoint) {
		return b.openPath(`\\.\`+mountPoint[:2], mountPoint)
	}
	m, err := mount.Find(b.cfg.Mounts, mountPoint)
	if err != nil {
		return nil, status.Wrap(status.DeviceInaccessible, err, "resolve %s", mountPoint)
	}
	if m == nil {
		return nil, status.Errorf(status.DeviceNotFound, "nothing is mounted at %s", mountPoint)
	}
	if !protocol.IsDriveLetter(m.Device) {
		return nil, status.Errorf(status.DeviceInaccessible, "%s (%s) is not a virtual disk device", mountPoint, m.Device)
	}
	return b.openPath(`\\.\`+m.Device[:2], mountPoint)
}

type handleChannel struct {
	h    windows.Handle
	path string
}

type ioResult struct {
	n   uint32
	err error
}

func (c *handleChannel) Transact(ctx context.Context, op protocol.Opcode, req []byte) ([]byte, error) {
	out := make([]byte, maxResponse)
	done := make(chan ioResult, 1)
	go func() {
		var n uint32
		err := windows.DeviceIoControl(c.h, ioctlCode(op), &req[0], uint32(len(req)), &out[0], uint32(len(out)), &n, nil)
		done <- ioResult{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%s request to %s: %w", op, c.path, r.err)
		}
		return out[:r.n], nil
	case <-ctx.Done():
		windows.CancelIoEx(c.h, nil)
		<-done
		return nil, ctx.Err()
	}
}

func (c *handleChannel) Close() error {
	return windows.CloseHandle(c.h)
}
