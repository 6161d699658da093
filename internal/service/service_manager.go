package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kardianos/service"
)

var (
	// ErrNotInstalled means the named service is not registered.
	ErrNotInstalled = errors.New("service is not installed")
	// ErrNotStarted means the service exists but could not be started.
	ErrNotStarted = errors.New("service could not be started")
)

// Controller is the part of a system service vdiskctl needs.
type Controller interface {
	Status() (service.Status, error)
	Start() error
}

// Opener returns the controller of a named system service.
type Opener func(name string) (Controller, error)

type ServiceManager struct {
	open Opener

	// StartWait bounds how long Ensure waits for a started service to
	// report Running.
	StartWait time.Duration
}

// program satisfies service.Interface. vdiskctl only controls services
// installed by the driver package, it never runs as one.
type program struct{}

func (p *program) Start(s service.Service) error { return nil }
func (p *program) Stop(s service.Service) error  { return nil }

func openSystemService(name string) (Controller, error) {
	svc, err := service.New(&program{}, &service.Config{Name: name})
	if err != nil {
		return nil, fmt.Errorf("open service %s: %w", name, err)
	}
	return svc, nil
}

func NewServiceManager() *ServiceManager {
	return NewServiceManagerWith(openSystemService)
}

// NewServiceManagerWith uses open to reach services.
func NewServiceManagerWith(open Opener) *ServiceManager {
	return &ServiceManager{open: open, StartWait: 5 * time.Second}
}

// Status returns a human readable status of the named service.
func (sm *ServiceManager) Status(name string) (string, error) {
	ctl, err := sm.open(name)
	if err != nil {
		return "Unknown", err
	}
	st, err := ctl.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "Not installed", nil
	}
	if err != nil {
		return "Unknown", err
	}

	switch st {
	case service.StatusRunning:
		return "Running", nil
	case service.StatusStopped:
		return "Stopped", nil
	case service.StatusUnknown:
		return "Unknown", nil
	default:
		return fmt.Sprintf("Status(%d)", int(st)), nil
	}
}

// Ensure makes sure the named service is running, starting it if it is
// installed but stopped. It fails with ErrNotInstalled or ErrNotStarted, or
// with the context error when ctx ends while waiting for the start.
func (sm *ServiceManager) Ensure(ctx context.Context, name string) error {
	ctl, err := sm.open(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotStarted, err)
	}

	st, err := ctl.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrNotStarted, err)
	}
	if st == service.StatusRunning {
		return nil
	}

	slog.Debug("starting service", "service", name)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrNotStarted, err)
	}

	deadline := time.NewTimer(sm.StartWait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		st, err = ctl.Status()
		if err == nil && st == service.StatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for start: %w", name, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%s: %w: still not running", name, ErrNotStarted)
		case <-tick.C:
		}
	}
}

// Platform names the service system in use, e.g. "linux-systemd".
func Platform() string {
	return service.Platform()
}
