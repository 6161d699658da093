//go:build linux
// +build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/status"
)

// maxResponse fits a unit list of every possible unit.
const maxResponse = 1 << 20

// pollSlice bounds a single poll so cancellation is noticed without a
// deadline.
const pollSlice = 100 * time.Millisecond

type unixBackend struct {
	cfg BackendConfig
}

func newBackend(cfg BackendConfig) Backend {
	return &unixBackend{cfg: cfg}
}

func openDevice(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

func (b *unixBackend) OpenControl(ctx context.Context) (Channel, error) {
	path := b.cfg.ControlDevice
	fd, err := openDevice(path)
	switch {
	case err == nil:
		return &fdChannel{fd: fd, path: path}, nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return nil, fmt.Errorf("%s: %w", path, ErrNoDriver)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return nil, status.Wrap(status.DriverInaccessible, err, "open %s", path)
	}
	return nil, status.Wrap(status.DriverInaccessible, err, "open %s", path)
}

func (b *unixBackend) unitPath(unit uint32) string {
	return filepath.Join(b.cfg.DeviceDir, strconv.FormatUint(uint64(unit), 10))
}

func (b *unixBackend) OpenUnit(ctx context.Context, unit uint32) (Channel, error) {
	path := b.unitPath(unit)
	fd, err := openDevice(path)
	switch {
	case err == nil:
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return nil, status.Errorf(status.DeviceNotFound, "no virtual disk with unit %d", unit)
	case errors.Is(err, unix.EBUSY):
		return nil, &status.Error{Code: status.DeviceInaccessible, Message: fmt.Sprintf("unit %d is busy", unit), Err: err, Transient: true}
	default:
		return nil, status.Wrap(status.DeviceInaccessible, err, "open unit %d", unit)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &status.Error{
				Code:      status.DeviceInaccessible,
				Message:   fmt.Sprintf("unit %d is locked by another process", unit),
				Err:       err,
				Transient: true,
			}
		}
		return nil, status.Wrap(status.DeviceInaccessible, err, "lock unit %d", unit)
	}
	return &fdChannel{fd: fd, path: path}, nil
}

func (b *unixBackend) OpenMountPoint(ctx context.Context, mountPoint string) (Channel, error) {
	m, err := mount.Find(b.cfg.Mounts, mountPoint)
	if err != nil {
		return nil, status.Wrap(status.DeviceInaccessible, err, "resolve %s", mountPoint)
	}
	if m == nil {
		return nil, status.Errorf(status.DeviceNotFound, "nothing is mounted at %s", mountPoint)
	}
	unit, ok := unitOfDevice(m.Device, b.cfg.DeviceDir)
	if !ok {
		return nil, status.Errorf(status.DeviceInaccessible, "%s (%s) is not a virtual disk device", mountPoint, m.Device)
	}
	return b.OpenUnit(ctx, unit)
}

// unitOfDevice maps a device node such as /dev/vdisk/3 or /dev/vdisk/3p1
// to its unit.
func unitOfDevice(device, dir string) (uint32, bool) {
	if filepath.Dir(filepath.Clean(device)) != filepath.Clean(dir) {
		return 0, false
	}
	base := filepath.Base(device)
	end := 0
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	if end == 0 || (end < len(base) && base[end] != 'p') {
		return 0, false
	}
	u, err := strconv.ParseUint(base[:end], 10, 32)
	if err != nil || u > protocol.MaxUnit {
		return 0, false
	}
	return uint32(u), true
}

type fdChannel struct {
	fd   int
	path string
}

func (c *fdChannel) wait(ctx context.Context, events int16) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < slice {
				slice = left
			}
		}
		if slice <= 0 {
			return context.DeadlineExceeded
		}

		n, err := unix.Poll(fds, int(slice/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", c.path, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return status.Errorf(status.DriverInaccessible, "%s: device hung up", c.path)
		}
		return nil
	}
}

func (c *fdChannel) Transact(ctx context.Context, op protocol.Opcode, req []byte) ([]byte, error) {
	for len(req) > 0 {
		if err := c.wait(ctx, unix.POLLOUT); err != nil {
			return nil, err
		}
		n, err := unix.Write(c.fd, req)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write %s request to %s: %w", op, c.path, err)
		}
		req = req[n:]
	}

	buf := make([]byte, maxResponse)
	for {
		if err := c.wait(ctx, unix.POLLIN); err != nil {
			return nil, err
		}
		n, err := unix.Read(c.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s response from %s: %w", op, c.path, err)
		}
		return buf[:n], nil
	}
}

func (c *fdChannel) Close() error {
	return unix.Close(c.fd)
}
