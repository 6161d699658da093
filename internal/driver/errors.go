package driver

import "errors"

var (
	// ErrNoDriver means the driver control device does not exist.
	ErrNoDriver = errors.New("driver: control device not present")

	ErrUnsupportedPlatform = errors.New("driver: platform not supported")
	ErrReleased            = errors.New("driver: handle already released")
)
