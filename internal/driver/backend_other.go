//go:build !linux && !windows
// +build !linux,!windows

package driver

import (
	"context"
	"fmt"
	"runtime"
)

type stubBackend struct{}

func newBackend(cfg BackendConfig) Backend {
	return &stubBackend{}
}

func (b *stubBackend) unsupported() error {
	return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}

func (b *stubBackend) OpenControl(ctx context.Context) (Channel, error) {
	return nil, b.unsupported()
}

func (b *stubBackend) OpenUnit(ctx context.Context, unit uint32) (Channel, error) {
	return nil, b.unsupported()
}

func (b *stubBackend) OpenMountPoint(ctx context.Context, mountPoint string) (Channel, error) {
	return nil, b.unsupported()
}
