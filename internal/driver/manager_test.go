package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gajzzs/vdiskctl/internal/driver"
	"github.com/gajzzs/vdiskctl/internal/driver/drivertest"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/status"
)

func newManager(sim *drivertest.Simulator, svc *drivertest.Services, timeout time.Duration) *driver.Manager {
	cfg := driver.Config{Backend: sim, DriverService: "vdisk", Timeout: timeout}
	if svc != nil {
		cfg.Services = svc
	}
	return driver.NewManager(cfg)
}

func vmDisk(unit uint32) protocol.DeviceInfo {
	return protocol.DeviceInfo{Unit: unit, Type: protocol.TypeVM, Size: 1 << 20, SectorSize: 512}
}

func assertAllReleased(t *testing.T, sim *drivertest.Simulator) {
	t.Helper()
	if n := sim.OpenChannels(); n != 0 {
		t.Errorf("%d channels left open (opens %d, closes %d)", n, sim.Opens(), sim.Closes())
	}
}

func TestAcquireAndRelease(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(2))
	m := newManager(sim, nil, time.Second)

	h, err := m.Acquire(context.Background(), protocol.ByUnit(2))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Control() {
		t.Error("unit handle reports control")
	}
	reqs := sim.Requests()
	if len(reqs) != 1 || reqs[0].Opcode != protocol.OpVersion {
		t.Errorf("expected a single version handshake, got %+v", reqs)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if !h.Released() {
		t.Error("handle not marked released")
	}
	if sim.Closes() != 1 {
		t.Errorf("closes = %d, want 1", sim.Closes())
	}
	assertAllReleased(t, sim)

	_, err = h.Submit(context.Background(), protocol.NewQuery(nil))
	if !errors.Is(err, driver.ErrReleased) {
		t.Errorf("Submit after release: %v, want ErrReleased", err)
	}
	if status.CodeOf(err) != status.Fatal {
		t.Errorf("Submit after release code = %v, want Fatal", status.CodeOf(err))
	}
}

func TestAcquireByMountPoint(t *testing.T) {
	sim := drivertest.New()
	d := vmDisk(5)
	d.MountPoint = "/mnt/vdisk/vd0"
	sim.AddDevice(d)
	m := newManager(sim, nil, time.Second)

	err := m.With(context.Background(), protocol.ByMountPoint("/mnt/vdisk/vd0/"), func(h *driver.Handle) error {
		_, err := h.Submit(context.Background(), protocol.NewQuery(&protocol.DeviceTarget{}))
		return err
	})
	if status.CodeOf(err) != status.BadSyntax {
		t.Errorf("query with an empty target: %v, want BadSyntax", err)
	}
	assertAllReleased(t, sim)

	target := protocol.ByMountPoint("/mnt/vdisk/vd0")
	err = m.With(context.Background(), target, func(h *driver.Handle) error {
		resp, err := h.Submit(context.Background(), protocol.NewQuery(&target))
		if err != nil {
			return err
		}
		if len(resp.Devices) != 1 || resp.Devices[0].Unit != 5 {
			t.Errorf("query returned %+v", resp.Devices)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	assertAllReleased(t, sim)
}

func TestAcquireFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*drivertest.Simulator)
		target protocol.DeviceTarget
		want   status.Code
	}{
		{
			name:   "no such unit",
			target: protocol.ByUnit(9),
			want:   status.DeviceNotFound,
		},
		{
			name:   "nothing mounted",
			target: protocol.ByMountPoint("/mnt/nothing"),
			want:   status.DeviceNotFound,
		},
		{
			name:   "invalid target",
			target: protocol.DeviceTarget{},
			want:   status.BadSyntax,
		},
		{
			name: "driver version mismatch",
			setup: func(s *drivertest.Simulator) {
				s.SetDriverVersion(protocol.ProtocolVersion + 1)
			},
			target: protocol.ByUnit(1),
			want:   status.DriverWrongVersion,
		},
		{
			name: "locked twice",
			setup: func(s *drivertest.Simulator) {
				s.ContendOpen(1, 2)
			},
			target: protocol.ByUnit(1),
			want:   status.DeviceInaccessible,
		},
		{
			name: "garbled handshake",
			setup: func(s *drivertest.Simulator) {
				s.Garble([]byte("junk data"))
			},
			target: protocol.ByUnit(1),
			want:   status.DeviceInaccessible,
		},
		{
			name: "truncated handshake",
			setup: func(s *drivertest.Simulator) {
				s.Garble([]byte("VDSR"))
			},
			target: protocol.ByUnit(1),
			want:   status.Fatal,
		},
		{
			name: "open error",
			setup: func(s *drivertest.Simulator) {
				s.FailOpen(errors.New("input/output error"))
			},
			target: protocol.ByUnit(1),
			want:   status.DeviceInaccessible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := drivertest.New()
			sim.AddDevice(vmDisk(1))
			if tt.setup != nil {
				tt.setup(sim)
			}
			m := newManager(sim, nil, time.Second)

			h, err := m.Acquire(context.Background(), tt.target)
			if err == nil {
				h.Release()
				t.Fatal("Acquire succeeded")
			}
			if got := status.CodeOf(err); got != tt.want {
				t.Errorf("code = %v (%v), want %v", got, err, tt.want)
			}
			assertAllReleased(t, sim)
		})
	}
}

func TestAcquireRetriesContentionOnce(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(1))
	sim.ContendOpen(1, 1)
	m := newManager(sim, nil, time.Second)

	h, err := m.Acquire(context.Background(), protocol.ByUnit(1))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	assertAllReleased(t, sim)
}

func TestSubmitRetriesContentionOnce(t *testing.T) {
	tests := []struct {
		name      string
		contended int
		want      status.Code
		attempts  int
	}{
		{"once", 1, status.Success, 2},
		{"twice", 2, status.DeviceInaccessible, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := drivertest.New()
			sim.AddDevice(vmDisk(1))
			sim.ContendSubmit(protocol.OpQuery, tt.contended)
			m := newManager(sim, nil, time.Second)

			err := m.WithControl(context.Background(), func(h *driver.Handle) error {
				_, err := h.Submit(context.Background(), protocol.NewQuery(nil))
				return err
			})
			if got := status.CodeOf(err); got != tt.want {
				t.Errorf("code = %v (%v), want %v", got, err, tt.want)
			}

			queries := 0
			for _, r := range sim.Requests() {
				if r.Opcode == protocol.OpQuery {
					queries++
				}
			}
			if queries != tt.attempts {
				t.Errorf("query attempts = %d, want %d", queries, tt.attempts)
			}
			assertAllReleased(t, sim)
		})
	}
}

func TestAcquireControlStartsDriver(t *testing.T) {
	tests := []struct {
		name    string
		svc     *drivertest.Services
		want    status.Code
		started bool
	}{
		{"no service manager", nil, status.DriverNotInstalled, false},
		{"service missing", &drivertest.Services{Missing: map[string]bool{"vdisk": true}}, status.DriverNotInstalled, false},
		{"service broken", &drivertest.Services{Broken: map[string]bool{"vdisk": true}}, status.DriverInaccessible, false},
		{"service starts", &drivertest.Services{}, status.Success, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := drivertest.New()
			sim.SetLoaded(false)
			if tt.svc != nil {
				tt.svc.OnStart = func(string) { sim.SetLoaded(true) }
			}
			m := newManager(sim, tt.svc, time.Second)

			h, err := m.AcquireControl(context.Background())
			if got := status.CodeOf(err); got != tt.want {
				t.Fatalf("code = %v (%v), want %v", got, err, tt.want)
			}
			if err == nil {
				if !h.Control() {
					t.Error("control handle does not report control")
				}
				h.Release()
			}
			if tt.svc != nil {
				started := len(tt.svc.Started()) == 1
				if started != tt.started {
					t.Errorf("started = %v, want %v", started, tt.started)
				}
			}
			assertAllReleased(t, sim)
		})
	}
}

func TestAcquireControlStartedButMissing(t *testing.T) {
	sim := drivertest.New()
	sim.SetLoaded(false)
	m := newManager(sim, &drivertest.Services{}, time.Second)

	_, err := m.AcquireControl(context.Background())
	if got := status.CodeOf(err); got != status.DriverInaccessible {
		t.Errorf("code = %v (%v), want DriverInaccessible", got, err)
	}
}

func TestAcquireControlCanceledWhileStarting(t *testing.T) {
	sim := drivertest.New()
	sim.SetLoaded(false)
	svc := &drivertest.Services{}
	m := newManager(sim, svc, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.AcquireControl(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(svc.Started()) != 0 {
		t.Errorf("started %v after cancellation", svc.Started())
	}
	assertAllReleased(t, sim)
}

func TestTimeoutReleasesHandle(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(1))
	unblock := sim.Block()
	defer unblock()
	m := newManager(sim, nil, 50*time.Millisecond)

	_, err := m.Acquire(context.Background(), protocol.ByUnit(1))
	if got := status.CodeOf(err); got != status.DriverInaccessible {
		t.Errorf("code = %v (%v), want DriverInaccessible", got, err)
	}
	assertAllReleased(t, sim)
}

func TestCancellationReleasesHandle(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(1))
	m := newManager(sim, nil, time.Minute)

	h, err := m.Acquire(context.Background(), protocol.ByUnit(1))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	unblock := sim.Block()
	defer unblock()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	func() {
		defer h.Release()
		_, err = h.Submit(ctx, protocol.NewQuery(nil))
	}()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit: %v, want context.Canceled", err)
	}
	if !h.Released() {
		t.Error("handle not released")
	}
	assertAllReleased(t, sim)
}

func TestCreateAndAcquire(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(0))
	sim.AddDevice(vmDisk(2))
	m := newManager(sim, nil, time.Second)

	spec := protocol.NewDiskSpec()
	spec.Type = protocol.TypeVM
	spec.Size = 8 << 20
	spec = spec.Normalize()

	h, info, err := m.CreateAndAcquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateAndAcquire: %v", err)
	}
	if info.Unit != 1 {
		t.Errorf("unit = %d, want lowest free unit 1", info.Unit)
	}
	if u, ok := h.Target().Unit(); !ok || u != 1 {
		t.Errorf("handle target = %v", h.Target())
	}
	if sim.OpenChannels() != 1 {
		t.Errorf("open channels = %d, want only the returned handle", sim.OpenChannels())
	}
	h.Release()
	assertAllReleased(t, sim)

	spec.Unit = 2
	_, _, err = m.CreateAndAcquire(context.Background(), spec)
	if got := status.CodeOf(err); got != status.CreateDevice {
		t.Errorf("create on existing unit: code = %v (%v), want CreateDevice", got, err)
	}
	assertAllReleased(t, sim)

	bad := protocol.NewDiskSpec()
	_, _, err = m.CreateAndAcquire(context.Background(), bad)
	if got := status.CodeOf(err); got != status.BadSyntax {
		t.Errorf("create without a type: code = %v (%v), want BadSyntax", got, err)
	}
	if sim.Opens() != 3 {
		t.Errorf("invalid spec reached the driver: opens = %d", sim.Opens())
	}
}

func TestCreateAndAcquireDiscardsLockedUnit(t *testing.T) {
	sim := drivertest.New()
	sim.ContendOpen(0, 2)
	m := newManager(sim, nil, time.Second)

	spec := protocol.NewDiskSpec()
	spec.Type = protocol.TypeVM
	spec.Size = 8 << 20

	_, _, err := m.CreateAndAcquire(context.Background(), spec.Normalize())
	if got := status.CodeOf(err); got != status.DeviceInaccessible {
		t.Fatalf("code = %v (%v), want DeviceInaccessible", got, err)
	}
	if units := sim.Units(); len(units) != 0 {
		t.Errorf("units left after a failed create: %v", units)
	}
	assertAllReleased(t, sim)
}

func TestDiscardAfterCancel(t *testing.T) {
	sim := drivertest.New()
	sim.AddDevice(vmDisk(4))
	sim.SetBusy(4, true)
	m := newManager(sim, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Discard(ctx, 4); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, ok := sim.Device(4); ok {
		t.Error("unit 4 still exists")
	}
	assertAllReleased(t, sim)
}

func TestDriverFailureStatus(t *testing.T) {
	tests := []struct {
		name string
		op   protocol.Opcode
		raw  uint32
		req  protocol.Request
		want status.Code
	}{
		{"query unknown status", protocol.OpQuery, 0xDEADBEEF, protocol.NewQuery(nil), status.Fatal},
		{"remove busy", protocol.OpRemove, status.RawDeviceBusy, protocol.RemoveRequest{Target: protocol.ByUnit(1)}, status.DeviceInaccessible},
		{"edit invalid", protocol.OpEdit, status.RawInvalidParameter, protocol.EditRequest{Target: protocol.ByUnit(1), Changes: protocol.EditSpec{Size: 1 << 21}}, status.CreateDevice},
		{"query no memory", protocol.OpQuery, status.RawNoMemory, protocol.NewQuery(nil), status.NotEnoughMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := drivertest.New()
			sim.AddDevice(vmDisk(1))
			sim.FailWith(tt.op, tt.raw)
			m := newManager(sim, nil, time.Second)

			err := m.WithControl(context.Background(), func(h *driver.Handle) error {
				resp, err := h.Submit(context.Background(), tt.req)
				if resp == nil {
					t.Error("failed response not returned with the error")
				} else if resp.Status != tt.raw {
					t.Errorf("raw status = %#x, want %#x", resp.Status, tt.raw)
				}
				return err
			})
			if got := status.CodeOf(err); got != tt.want {
				t.Errorf("code = %v (%v), want %v", got, err, tt.want)
			}
			assertAllReleased(t, sim)
		})
	}
}
