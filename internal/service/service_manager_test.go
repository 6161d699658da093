package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
)

type fakeService struct {
	status   service.Status
	statErr  error
	startErr error
	starts   int

	// startsRunning makes Start switch the status to running.
	startsRunning bool
}

func (f *fakeService) Status() (service.Status, error) {
	return f.status, f.statErr
}

func (f *fakeService) Start() error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	if f.startsRunning {
		f.status = service.StatusRunning
	}
	return nil
}

func managerFor(f *fakeService) *ServiceManager {
	sm := NewServiceManagerWith(func(string) (Controller, error) { return f, nil })
	sm.StartWait = 20 * time.Millisecond
	return sm
}

func TestEnsure(t *testing.T) {
	tests := []struct {
		name       string
		svc        *fakeService
		wantErr    error
		wantStarts int
	}{
		{"running", &fakeService{status: service.StatusRunning}, nil, 0},
		{"stopped then started", &fakeService{status: service.StatusStopped, startsRunning: true}, nil, 1},
		{"not installed", &fakeService{statErr: service.ErrNotInstalled}, ErrNotInstalled, 0},
		{"start fails", &fakeService{status: service.StatusStopped, startErr: errors.New("access denied")}, ErrNotStarted, 1},
		{"never comes up", &fakeService{status: service.StatusStopped}, ErrNotStarted, 1},
		{"status unreadable", &fakeService{statErr: errors.New("dbus gone")}, ErrNotStarted, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := managerFor(tt.svc).Ensure(context.Background(), "vdisk")
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Ensure() = %v, want %v", err, tt.wantErr)
			}
			if tt.svc.starts != tt.wantStarts {
				t.Errorf("starts = %d, want %d", tt.svc.starts, tt.wantStarts)
			}
		})
	}
}

func TestEnsureOpenFailure(t *testing.T) {
	sm := NewServiceManagerWith(func(string) (Controller, error) { return nil, errors.New("no service manager") })
	if err := sm.Ensure(context.Background(), "vdisk"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Ensure() = %v, want ErrNotStarted", err)
	}
}

func TestEnsureStopsWaitingOnCancel(t *testing.T) {
	svc := &fakeService{status: service.StatusStopped}
	sm := managerFor(svc)
	sm.StartWait = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	err := sm.Ensure(ctx, "vdisk")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Ensure() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Ensure returned after %s", elapsed)
	}
	if svc.starts != 1 {
		t.Errorf("starts = %d, want 1", svc.starts)
	}
}

func TestStatus(t *testing.T) {
	got, err := managerFor(&fakeService{statErr: service.ErrNotInstalled}).Status("vdisk")
	if err != nil || got != "Not installed" {
		t.Errorf("Status() = %q, %v", got, err)
	}
	got, _ = managerFor(&fakeService{status: service.StatusStopped}).Status("vdisk")
	if got != "Stopped" {
		t.Errorf("Status() = %q, want Stopped", got)
	}
}
