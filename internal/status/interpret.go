package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Raw driver status codes. The driver reports NT-style status values.
const (
	RawSuccess               uint32 = 0x00000000
	RawDeviceBusy            uint32 = 0x80000011
	RawInvalidParameter      uint32 = 0xC000000D
	RawNoSuchDevice          uint32 = 0xC000000E
	RawInvalidDeviceRequest  uint32 = 0xC0000010
	RawNoMemory              uint32 = 0xC0000017
	RawAccessDenied          uint32 = 0xC0000022
	RawObjectNameNotFound    uint32 = 0xC0000034
	RawObjectNameCollision   uint32 = 0xC0000035
	RawObjectPathNotFound    uint32 = 0xC000003A
	RawSharingViolation      uint32 = 0xC0000043
	RawLockNotGranted        uint32 = 0xC0000055
	RawRevisionMismatch      uint32 = 0xC0000059
	RawInsufficientResources uint32 = 0xC000009A
	RawIoTimeout             uint32 = 0xC00000B5
)

// Scope tells the interpreter what kind of request a raw code answers.
// Some codes mean different things for a create than for a query.
type Scope int

const (
	ScopeQuery Scope = iota
	ScopeRemove
	ScopeConfigure
)

type rawEntry struct {
	code      Code
	text      string
	transient bool
}

var rawCodes = map[uint32]rawEntry{
	RawSuccess:               {Success, "", false},
	RawDeviceBusy:            {DeviceInaccessible, "device is in use", false},
	RawNoSuchDevice:          {DeviceNotFound, "no such device", false},
	RawInvalidDeviceRequest:  {DriverInaccessible, "driver rejected the control request", false},
	RawNoMemory:              {NotEnoughMemory, "not enough memory", false},
	RawAccessDenied:          {DeviceInaccessible, "access denied", false},
	RawObjectNameNotFound:    {DeviceNotFound, "no such device", false},
	RawObjectNameCollision:   {CreateDevice, "device already exists", false},
	RawObjectPathNotFound:    {BadMountPoint, "mount point not found", false},
	RawSharingViolation:      {DeviceInaccessible, "device is opened exclusively by another process", true},
	RawLockNotGranted:        {DeviceInaccessible, "device is locked by another process", true},
	RawRevisionMismatch:      {DriverWrongVersion, "driver version mismatch", false},
	RawInsufficientResources: {NotEnoughMemory, "insufficient system resources", false},
	RawIoTimeout:             {DriverInaccessible, "driver timed out", false},
}

// Interpret maps a raw driver code onto the taxonomy. Unknown codes are
// Fatal.
func Interpret(raw uint32, scope Scope) Code {
	if raw == RawInvalidParameter {
		if scope == ScopeConfigure {
			return CreateDevice
		}
		return Fatal
	}
	if e, ok := rawCodes[raw]; ok {
		return e.code
	}
	return Fatal
}

// Transient reports whether raw signals contention worth one more attempt.
func Transient(raw uint32) bool {
	return rawCodes[raw].transient
}

// Describe returns the human text for raw.
func Describe(raw uint32) string {
	if raw == RawInvalidParameter {
		return "invalid parameter"
	}
	if e, ok := rawCodes[raw]; ok && e.text != "" {
		return e.text
	}
	if raw == RawSuccess {
		return "success"
	}
	return fmt.Sprintf("unrecognized driver status 0x%08X", raw)
}

// FromRaw classifies a raw driver code as an error, nil on success.
func FromRaw(raw uint32, scope Scope) error {
	code := Interpret(raw, scope)
	if code == Success {
		return nil
	}
	return &Error{Code: code, Message: Describe(raw), Transient: Transient(raw)}
}

// RetryOnce runs fn and, when it fails with transient contention, waits
// delay and runs it exactly one more time. Any other failure is returned
// as is.
func RetryOnce(ctx context.Context, delay time.Duration, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}

	slog.Debug("transient contention, retrying once", "delay", delay, "err", err)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	return fn()
}
