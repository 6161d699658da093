// Package drivertest provides an in-process virtual disk driver that speaks
// the control protocol, for tests of the layers above the driver backends.
package drivertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gajzzs/vdiskctl/internal/driver"
	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/service"
	"github.com/gajzzs/vdiskctl/internal/status"
)

// Simulator is a driver.Backend backed by an in-memory device table.
// All methods are safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	devices map[uint32]protocol.DeviceInfo
	busy    map[uint32]bool

	version  uint16
	noDriver bool

	openContention   map[uint32]int
	submitContention map[protocol.Opcode]int
	failures         map[protocol.Opcode]uint32
	unitFailures     map[unitOp]uint32
	openErr          error
	garbage          []byte
	block            chan struct{}

	opens    int
	closes   int
	open     map[*channel]bool
	requests []protocol.Envelope
}

var _ driver.Backend = (*Simulator)(nil)

func New() *Simulator {
	return &Simulator{
		devices:          make(map[uint32]protocol.DeviceInfo),
		busy:             make(map[uint32]bool),
		version:          protocol.ProtocolVersion,
		openContention:   make(map[uint32]int),
		submitContention: make(map[protocol.Opcode]int),
		failures:         make(map[protocol.Opcode]uint32),
		unitFailures:     make(map[unitOp]uint32),
		open:             make(map[*channel]bool),
	}
}

// AddDevice puts a device into the table as if it had been created.
func (s *Simulator) AddDevice(info protocol.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[info.Unit] = info
}

func (s *Simulator) Device(unit uint32) (protocol.DeviceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.devices[unit]
	return info, ok
}

// Units returns the existing units in ascending order.
func (s *Simulator) Units() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitsLocked()
}

func (s *Simulator) unitsLocked() []uint32 {
	units := make([]uint32, 0, len(s.devices))
	for u := range s.devices {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// Mounts reports the mount points of the simulated devices.
func (s *Simulator) Mounts() ([]mount.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mounts []mount.Mount
	for _, u := range s.unitsLocked() {
		if mp := s.devices[u].MountPoint; mp != "" {
			mounts = append(mounts, mount.Mount{Device: fmt.Sprintf("vdisk%d", u), MountPoint: mp})
		}
	}
	return mounts, nil
}

// SetBusy marks a unit as in use, so that a remove without force fails.
func (s *Simulator) SetBusy(unit uint32, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[unit] = busy
}

// ContendOpen makes the next n opens of unit fail with transient lock
// contention.
func (s *Simulator) ContendOpen(unit uint32, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openContention[unit] = n
}

// ContendSubmit makes the next n requests with opcode op answer with a
// sharing violation.
func (s *Simulator) ContendSubmit(op protocol.Opcode, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitContention[op] = n
}

// FailWith makes every request with opcode op answer with raw.
func (s *Simulator) FailWith(op protocol.Opcode, raw uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = raw
}

type unitOp struct {
	unit uint32
	op   protocol.Opcode
}

// FailOnUnit makes requests with opcode op sent on a channel of unit answer
// with raw. The control channel is not affected.
func (s *Simulator) FailOnUnit(unit uint32, op protocol.Opcode, raw uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitFailures[unitOp{unit, op}] = raw
}

// FailOpen makes every open fail with err.
func (s *Simulator) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// SetDriverVersion changes the version reported in the handshake.
func (s *Simulator) SetDriverVersion(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetLoaded controls whether the control device exists.
func (s *Simulator) SetLoaded(loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noDriver = !loaded
}

// Garble makes every response the given bytes.
func (s *Simulator) Garble(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garbage = b
}

// Block makes requests hang until their context ends or the returned
// function is called.
func (s *Simulator) Block() (unblock func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.block = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Opens and Closes count channel opens and closes since New.
func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Simulator) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// OpenChannels is the number of channels not yet closed.
func (s *Simulator) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Requests returns every request received, handshakes included.
func (s *Simulator) Requests() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.requests...)
}

func (s *Simulator) newChannel(unit uint32, control bool) *channel {
	c := &channel{sim: s, unit: unit, control: control}
	s.opens++
	s.open[c] = true
	return c
}

func (s *Simulator) OpenControl(ctx context.Context) (driver.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.noDriver {
		return nil, fmt.Errorf("simulated control device: %w", driver.ErrNoDriver)
	}
	return s.newChannel(0, true), nil
}

func (s *Simulator) OpenUnit(ctx context.Context, unit uint32) (driver.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openUnitLocked(unit)
}

func (s *Simulator) openUnitLocked(unit uint32) (driver.Channel, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if _, ok := s.devices[unit]; !ok {
		return nil, status.Errorf(status.DeviceNotFound, "no virtual disk with unit %d", unit)
	}
	if s.openContention[unit] > 0 {
		s.openContention[unit]--
		return nil, &status.Error{
			Code:      status.DeviceInaccessible,
			Message:   fmt.Sprintf("unit %d is locked by another process", unit),
			Transient: true,
		}
	}
	return s.newChannel(unit, false), nil
}

func (s *Simulator) OpenMountPoint(ctx context.Context, mountPoint string) (driver.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.unitsLocked() {
		if mount.Same(s.devices[u].MountPoint, mountPoint) {
			return s.openUnitLocked(u)
		}
	}
	return nil, status.Errorf(status.DeviceNotFound, "nothing is mounted at %s", mountPoint)
}

type channel struct {
	sim     *Simulator
	unit    uint32
	control bool
	closed  bool
}

func (c *channel) Close() error {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return fmt.Errorf("simulated channel closed twice")
	}
	c.closed = true
	s.closes++
	delete(s.open, c)
	return nil
}

func (c *channel) Transact(ctx context.Context, op protocol.Opcode, req []byte) ([]byte, error) {
	s := c.sim
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("simulated channel is closed")
	}

	env, err := protocol.DecodeRequest(req)
	if err != nil {
		return nil, err
	}
	s.requests = append(s.requests, *env)

	if s.garbage != nil {
		return append([]byte(nil), s.garbage...), nil
	}

	resp := &protocol.Response{
		Opcode:        env.Opcode,
		RequestID:     env.ID,
		DriverVersion: s.version,
	}
	switch {
	case s.submitContention[env.Opcode] > 0:
		s.submitContention[env.Opcode]--
		resp.Status = status.RawSharingViolation
	case s.failures[env.Opcode] != 0:
		resp.Status = s.failures[env.Opcode]
	case !c.control && s.unitFailures[unitOp{c.unit, env.Opcode}] != 0:
		resp.Status = s.unitFailures[unitOp{c.unit, env.Opcode}]
	case env.Request != nil:
		h := &handler{sim: s, ch: c, resp: resp}
		if err := env.Request.Accept(h); err != nil {
			return nil, err
		}
	}
	return protocol.EncodeResponse(resp)
}

// handler applies one request to the device table. The simulator lock is
// held.
type handler struct {
	sim  *Simulator
	ch   *channel
	resp *protocol.Response
}

func (h *handler) resolve(t protocol.DeviceTarget) (uint32, bool) {
	if unit, ok := t.Unit(); ok {
		_, exists := h.sim.devices[unit]
		return unit, exists
	}
	mp, _ := t.MountPoint()
	for u, info := range h.sim.devices {
		if mount.Same(info.MountPoint, mp) {
			return u, true
		}
	}
	return 0, false
}

func (h *handler) VisitCreate(r protocol.CreateRequest) error {
	s := h.sim
	spec := r.Spec
	unit := spec.Unit
	if unit == protocol.AutoUnit {
		for unit = 0; ; unit++ {
			if _, used := s.devices[unit]; !used {
				break
			}
		}
	} else if _, used := s.devices[unit]; used {
		h.resp.Status = status.RawObjectNameCollision
		return nil
	}
	if spec.MountPoint != "" {
		for _, info := range s.devices {
			if mount.Same(info.MountPoint, spec.MountPoint) {
				h.resp.Status = status.RawObjectNameCollision
				return nil
			}
		}
	}

	info := protocol.DeviceInfo{
		Unit:       unit,
		Type:       spec.Type,
		Options:    spec.Options,
		Size:       spec.Size,
		Offset:     spec.Offset,
		SectorSize: spec.SectorSize,
		MountPoint: spec.MountPoint,
		File:       spec.File,
	}
	if info.SectorSize == 0 {
		info.SectorSize = 512
	}
	s.devices[unit] = info
	h.resp.Units = []uint32{unit}
	h.resp.Devices = []protocol.DeviceInfo{info}
	return nil
}

func (h *handler) VisitRemove(r protocol.RemoveRequest) error {
	unit, ok := h.resolve(r.Target)
	if !ok {
		h.resp.Status = status.RawObjectNameNotFound
		return nil
	}
	if h.sim.busy[unit] && !r.Force && !r.Emergency {
		h.resp.Status = status.RawDeviceBusy
		return nil
	}
	delete(h.sim.devices, unit)
	delete(h.sim.busy, unit)
	return nil
}

func (h *handler) VisitQuery(r protocol.QueryRequest) error {
	if r.Target == nil {
		h.resp.Units = h.sim.unitsLocked()
		return nil
	}
	unit, ok := h.resolve(*r.Target)
	if !ok {
		h.resp.Status = status.RawObjectNameNotFound
		return nil
	}
	h.resp.Devices = []protocol.DeviceInfo{h.sim.devices[unit]}
	return nil
}

func (h *handler) VisitEdit(r protocol.EditRequest) error {
	unit, ok := h.resolve(r.Target)
	if !ok {
		h.resp.Status = status.RawObjectNameNotFound
		return nil
	}
	info := h.sim.devices[unit]
	if r.Changes.Size > 0 {
		info.Size = r.Changes.Size
	}
	info.Options = info.Options&^r.Changes.Mask | r.Changes.Options&r.Changes.Mask
	h.sim.devices[unit] = info
	h.resp.Devices = []protocol.DeviceInfo{info}
	return nil
}

// Services is a driver.ServiceEnsurer with a scripted outcome.
type Services struct {
	mu sync.Mutex

	// Missing lists services reported as not installed.
	Missing map[string]bool
	// Broken lists services that fail to start.
	Broken map[string]bool
	// OnStart runs after a successful start.
	OnStart func(name string)

	started []string
}

func (sv *Services) Ensure(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	switch {
	case sv.Missing[name]:
		return fmt.Errorf("%s: %w", name, service.ErrNotInstalled)
	case sv.Broken[name]:
		return fmt.Errorf("%s: %w", name, service.ErrNotStarted)
	}
	sv.started = append(sv.started, name)
	if sv.OnStart != nil {
		sv.OnStart(name)
	}
	return nil
}

// Started lists the services Ensure succeeded for.
func (sv *Services) Started() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return append([]string(nil), sv.started...)
}
