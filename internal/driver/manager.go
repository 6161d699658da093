// Package driver manages handles to the virtual disk driver: the control
// channel and per-unit device channels.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/service"
	"github.com/gajzzs/vdiskctl/internal/status"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 200 * time.Millisecond
)

// ServiceEnsurer starts a system service if it is not running. Ensure
// stops waiting when ctx ends.
type ServiceEnsurer interface {
	Ensure(ctx context.Context, name string) error
}

type Config struct {
	Backend Backend

	// Services, when set, is asked to start DriverService if the control
	// device is missing.
	Services      ServiceEnsurer
	DriverService string

	Timeout    time.Duration
	RetryDelay time.Duration
}

type Manager struct {
	backend       Backend
	services      ServiceEnsurer
	driverService string
	timeout       time.Duration
	retryDelay    time.Duration
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		backend:       cfg.Backend,
		services:      cfg.Services,
		driverService: cfg.DriverService,
		timeout:       cfg.Timeout,
		retryDelay:    cfg.RetryDelay,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.retryDelay < 0 {
		m.retryDelay = DefaultRetryDelay
	}
	return m
}

// Handle is an exclusively owned channel to the driver. Release it exactly
// once; further calls are no-ops.
type Handle struct {
	m       *Manager
	ch      Channel
	target  protocol.DeviceTarget
	control bool

	once       sync.Once
	mu         sync.Mutex
	released   bool
	releaseErr error
}

// Target returns the device the handle is open on; the zero target for the
// control channel.
func (h *Handle) Target() protocol.DeviceTarget { return h.target }

func (h *Handle) Control() bool { return h.control }

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release closes the channel. Only the first call has an effect.
func (h *Handle) Release() error {
	h.once.Do(func() {
		err := h.ch.Close()
		h.mu.Lock()
		h.released = true
		h.releaseErr = err
		h.mu.Unlock()
		slog.Debug("handle released", "target", h.target.String(), "control", h.control)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseErr
}

// Submit sends req and returns the driver's response. A response whose
// status is a failure is returned together with the classified error.
// Transient contention is retried once.
func (h *Handle) Submit(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	return h.roundTrip(ctx, req.Opcode(), func(id uuid.UUID) ([]byte, error) {
		return protocol.Encode(id, req)
	})
}

func (h *Handle) roundTrip(ctx context.Context, op protocol.Opcode, encode func(uuid.UUID) ([]byte, error)) (*protocol.Response, error) {
	if h.Released() {
		return nil, status.Wrap(status.Fatal, ErrReleased, "submit %s", op)
	}

	var resp *protocol.Response
	err := status.RetryOnce(ctx, h.m.retryDelay, func() error {
		var err error
		resp, err = h.transact(ctx, op, encode)
		if err != nil {
			return err
		}
		return resp.Err()
	})
	return resp, err
}

func (h *Handle) transact(ctx context.Context, op protocol.Opcode, encode func(uuid.UUID) ([]byte, error)) (*protocol.Response, error) {
	id := uuid.New()
	msg, err := encode(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.m.timeout)
	defer cancel()

	slog.Debug("submitting request", "op", op.String(), "request_id", id.String(), "target", h.target.String())
	raw, err := h.ch.Transact(ctx, op, msg)
	if err != nil {
		return nil, classifyIO(ctx, err)
	}

	resp, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.Match(op, id); err != nil {
		return nil, err
	}
	return resp, nil
}

// classifyIO turns a channel failure into a status error. Deadlines mean
// the driver did not answer in time.
func classifyIO(ctx context.Context, err error) error {
	var se *status.Error
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return status.Wrap(status.DriverInaccessible, err, "driver did not respond in time")
	}
	return status.Wrap(status.DriverInaccessible, err, "driver request failed")
}

func (m *Manager) newHandle(ch Channel, target protocol.DeviceTarget, control bool) *Handle {
	return &Handle{m: m, ch: ch, target: target, control: control}
}

// handshake checks the driver speaks our protocol revision. The handle is
// released when it does not.
func (m *Manager) handshake(ctx context.Context, h *Handle) error {
	resp, err := h.roundTrip(ctx, protocol.OpVersion, protocol.EncodeVersion)
	if err == nil && resp.DriverVersion != protocol.ProtocolVersion {
		err = status.Errorf(status.DriverWrongVersion,
			"driver version %#04x does not match this tool (%#04x)", resp.DriverVersion, protocol.ProtocolVersion)
	}
	if err != nil {
		h.Release()
		return err
	}
	return nil
}

func (m *Manager) open(ctx context.Context, fn func(context.Context) (Channel, error)) (Channel, error) {
	var ch Channel
	err := status.RetryOnce(ctx, m.retryDelay, func() error {
		octx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		var err error
		ch, err = fn(octx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Acquire opens a handle to an existing device.
func (m *Manager) Acquire(ctx context.Context, target protocol.DeviceTarget) (*Handle, error) {
	if !target.Valid() {
		return nil, status.Errorf(status.BadSyntax, "a unit number or a mount point is required")
	}

	ch, err := m.open(ctx, func(ctx context.Context) (Channel, error) {
		if unit, ok := target.Unit(); ok {
			return m.backend.OpenUnit(ctx, unit)
		}
		mp, _ := target.MountPoint()
		return m.backend.OpenMountPoint(ctx, mp)
	})
	if err != nil {
		return nil, classifyOpen(ctx, err, target.String())
	}

	h := m.newHandle(ch, target, false)
	if err := m.handshake(ctx, h); err != nil {
		return nil, err
	}
	slog.Debug("handle acquired", "target", target.String())
	return h, nil
}

// AcquireControl opens the driver control channel. When the control device
// is missing the driver service is started and the open retried once.
func (m *Manager) AcquireControl(ctx context.Context) (*Handle, error) {
	ch, err := m.open(ctx, m.backend.OpenControl)
	if errors.Is(err, ErrNoDriver) {
		if err := m.startDriver(ctx); err != nil {
			return nil, err
		}
		ch, err = m.open(ctx, m.backend.OpenControl)
		if errors.Is(err, ErrNoDriver) {
			return nil, status.Wrap(status.DriverInaccessible, err, "driver started but its control device is missing")
		}
	}
	if err != nil {
		return nil, classifyOpen(ctx, err, "driver control device")
	}

	h := m.newHandle(ch, protocol.DeviceTarget{}, true)
	if err := m.handshake(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (m *Manager) startDriver(ctx context.Context) error {
	if m.services == nil || m.driverService == "" {
		return status.Errorf(status.DriverNotInstalled, "the virtual disk driver is not installed")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.services.Ensure(ctx, m.driverService)
	switch {
	case err == nil:
		slog.Debug("driver service started", "service", m.driverService)
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, service.ErrNotInstalled):
		return status.Wrap(status.DriverNotInstalled, err, "the virtual disk driver is not installed")
	default:
		return status.Wrap(status.DriverInaccessible, err, "cannot load the virtual disk driver")
	}
}

func classifyOpen(ctx context.Context, err error, what string) error {
	var se *status.Error
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, ErrUnsupportedPlatform):
		return status.Wrap(status.DriverNotInstalled, err, "open %s", what)
	case errors.Is(err, ErrNoDriver):
		return status.Wrap(status.DriverNotInstalled, err, "open %s", what)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return status.Wrap(status.DriverInaccessible, err, "open %s", what)
	}
	return status.Wrap(status.DeviceInaccessible, err, "open %s", what)
}

// CreateAndAcquire asks the driver for a new device and returns a handle to
// it with the device's description.
func (m *Manager) CreateAndAcquire(ctx context.Context, spec protocol.DiskSpec) (*Handle, *protocol.DeviceInfo, error) {
	req := protocol.CreateRequest{Spec: spec}
	if err := protocol.Validate(req); err != nil {
		return nil, nil, err
	}

	var resp *protocol.Response
	err := m.WithControl(ctx, func(ctl *Handle) error {
		var err error
		resp, err = ctl.Submit(ctx, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	info, err := createdDevice(resp)
	if err != nil {
		return nil, nil, err
	}

	h, err := m.Acquire(ctx, protocol.ByUnit(info.Unit))
	if err != nil {
		m.Discard(ctx, info.Unit)
		return nil, nil, fmt.Errorf("open new unit %d: %w", info.Unit, err)
	}
	return h, info, nil
}

// Discard removes a unit that was created but could not be set up, without
// dismounting it. It still runs when ctx has ended. Failures are logged and
// returned.
func (m *Manager) Discard(ctx context.Context, unit uint32) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	req := protocol.RemoveRequest{Target: protocol.ByUnit(unit), Force: true, Emergency: true}
	err := m.WithControl(ctx, func(ctl *Handle) error {
		_, err := ctl.Submit(ctx, req)
		return err
	})
	if err != nil {
		slog.Warn("cannot remove unfinished device", "unit", unit, "err", err)
		return err
	}
	slog.Debug("removed unfinished device", "unit", unit)
	return nil
}

func createdDevice(resp *protocol.Response) (*protocol.DeviceInfo, error) {
	if len(resp.Devices) > 0 {
		info := resp.Devices[0]
		return &info, nil
	}
	if len(resp.Units) > 0 {
		return &protocol.DeviceInfo{Unit: resp.Units[0]}, nil
	}
	return nil, status.Errorf(status.Fatal, "driver accepted the create request but reported no unit")
}

// With acquires target, runs fn and releases the handle whatever fn
// returns.
func (m *Manager) With(ctx context.Context, target protocol.DeviceTarget, fn func(*Handle) error) error {
	h, err := m.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// WithControl is With for the control channel.
func (m *Manager) WithControl(ctx context.Context, fn func(*Handle) error) error {
	h, err := m.AcquireControl(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}
