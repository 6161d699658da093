// Package control runs one virtual disk operation from a validated request
// to a final status: it resolves the target, acquires a handle, submits the
// request and releases the handle on every path.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/gajzzs/vdiskctl/internal/driver"
	"github.com/gajzzs/vdiskctl/internal/image"
	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/status"
)

// State is a step of an operation.
type State int

const (
	Idle State = iota
	TargetResolved
	HandleAcquired
	RequestSubmitted
	ResultReady
	Aborted
)

var stateNames = [...]string{
	Idle:             "Idle",
	TargetResolved:   "TargetResolved",
	HandleAcquired:   "HandleAcquired",
	RequestSubmitted: "RequestSubmitted",
	ResultReady:      "ResultReady",
	Aborted:          "Aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

type Config struct {
	Manager *driver.Manager
	Mounts  mount.Enumerator

	// Services starts the helper services some disk types depend on. When
	// nil the helpers are assumed to be running.
	Services      driver.ServiceEnsurer
	ProxyService  string
	MemoryService string

	// MountBase is the directory automatic mount points are picked from;
	// empty picks drive letters.
	MountBase string
}

type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.Mounts == nil {
		cfg.Mounts = mount.NewEnumerator()
	}
	return &Orchestrator{cfg: cfg}
}

// Outcome is the result of one operation.
type Outcome struct {
	Result status.Result
	Err    error

	// Devices holds the created, edited or queried devices.
	Devices []protocol.DeviceInfo
	// Units is the unit list of a query without target.
	Units []uint32

	Trace []State
}

// Run executes req. Every handle acquired on the way is released before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context, req protocol.Request) *Outcome {
	r := &run{o: o, ctx: ctx, trace: []State{Idle}}
	err := req.Accept(r)
	if err != nil {
		r.enter(Aborted)
	} else {
		r.enter(ResultReady)
	}

	r.out.Err = err
	r.out.Result = status.ResultOf(err, "")
	r.out.Trace = r.trace
	slog.Debug("operation finished", "op", req.Opcode().String(), "code", r.out.Result.Code.String())
	return &r.out
}

// run is the state of a single operation.
type run struct {
	o     *Orchestrator
	ctx   context.Context
	trace []State
	out   Outcome
}

func (r *run) enter(s State) {
	r.trace = append(r.trace, s)
	slog.Debug("operation state", "state", s.String())
}

func (r *run) VisitCreate(req protocol.CreateRequest) error {
	spec := req.Spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}

	var err error
	if spec.MountPoint, err = r.resolveMountPoint(spec.MountPoint); err != nil {
		return err
	}
	if spec, err = resolvePartition(spec); err != nil {
		return err
	}
	if err := r.ensureHelpers(spec); err != nil {
		return err
	}

	m := r.o.cfg.Manager
	err = m.WithControl(r.ctx, func(ctl *driver.Handle) error {
		return checkNotAttached(r.ctx, ctl, spec)
	})
	if err != nil {
		return err
	}
	r.enter(TargetResolved)

	h, info, err := m.CreateAndAcquire(r.ctx, spec)
	if err != nil {
		return err
	}
	defer h.Release()
	r.enter(HandleAcquired)
	slog.Debug("device created", "unit", info.Unit)

	target := protocol.ByUnit(info.Unit)
	resp, err := h.Submit(r.ctx, protocol.NewQuery(&target))
	r.enter(RequestSubmitted)
	if err != nil {
		h.Release()
		m.Discard(r.ctx, info.Unit)
		return fmt.Errorf("query new unit %d: %w", info.Unit, err)
	}
	r.out.Devices = resp.Devices
	if len(r.out.Devices) == 0 {
		r.out.Devices = []protocol.DeviceInfo{*info}
	}
	return nil
}

func (r *run) resolveMountPoint(mp string) (string, error) {
	switch mp {
	case "":
		return "", nil
	case protocol.AutoMountPoint:
		free, err := mount.Free(r.o.cfg.Mounts, r.o.cfg.MountBase)
		if errors.Is(err, mount.ErrNoFreeMountPoint) {
			return "", status.Wrap(status.NoFreeDriveLetters, err, "no free drive letter or mount directory")
		}
		if err != nil {
			return "", status.Wrap(status.BadMountPoint, err, "pick a mount point")
		}
		slog.Debug("picked mount point", "mount_point", free)
		return free, nil
	}

	used, err := mount.InUse(r.o.cfg.Mounts, mp)
	if err != nil {
		return "", status.Wrap(status.BadMountPoint, err, "check mount point %s", mp)
	}
	if used {
		return "", status.Errorf(status.BadMountPoint, "mount point %s is already in use", mp)
	}
	return mp, nil
}

// resolvePartition turns a partition number into the offset and size of
// that partition inside the image. The partition table is read at the
// image offset.
func resolvePartition(spec protocol.DiskSpec) (protocol.DiskSpec, error) {
	if spec.Partition == 0 {
		return spec, nil
	}
	sectorSize := int64(spec.SectorSize)
	if sectorSize == 0 {
		sectorSize = image.DefaultSectorSize
	}

	f, err := os.Open(spec.File)
	if err != nil {
		return spec, status.Wrap(status.PartitionNotFound, err, "read partition table")
	}
	defer f.Close()

	p, err := image.Find(io.NewSectionReader(f, spec.Offset, math.MaxInt64-spec.Offset), sectorSize, spec.Partition)
	if err != nil {
		return spec, status.Wrap(status.PartitionNotFound, err, "%s", spec.File)
	}
	slog.Debug("partition found", "number", p.Number, "offset", p.Offset, "length", p.Length)

	spec.Offset += p.Offset
	if spec.Size == 0 || spec.Size > p.Length {
		spec.Size = p.Length
	}
	spec.Partition = 0
	return spec, nil
}

// ensureHelpers starts the service a disk type needs: the physical memory
// allocator for awe disks and the proxy helper for ip and comm proxies.
func (r *run) ensureHelpers(spec protocol.DiskSpec) error {
	cfg := r.o.cfg
	if cfg.Services == nil {
		return nil
	}

	var name string
	switch {
	case spec.Type == protocol.TypeFile && spec.Options.Backend() == protocol.BackendAWE:
		name = cfg.MemoryService
	case spec.Type == protocol.TypeProxy && (spec.Options.Backend() == protocol.ProxyTCP || spec.Options.Backend() == protocol.ProxyComm):
		name = cfg.ProxyService
	}
	if name == "" {
		return nil
	}
	if err := cfg.Services.Ensure(r.ctx, name); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return status.Wrap(status.ServiceInaccessible, err, "helper service %s", name)
	}
	return nil
}

// checkNotAttached refuses a create for a unit that exists, or for an image
// already attached at the same offset unless the image is shared.
func checkNotAttached(ctx context.Context, ctl *driver.Handle, spec protocol.DiskSpec) error {
	resp, err := ctl.Submit(ctx, protocol.NewQuery(nil))
	if err != nil {
		return err
	}
	for _, u := range resp.Units {
		if spec.Unit != protocol.AutoUnit && u == spec.Unit {
			return status.Errorf(status.CreateDevice, "unit %d already exists", u)
		}
	}
	if spec.File == "" || spec.Type == protocol.TypeProxy || spec.Options.Has(protocol.OptShared) {
		return nil
	}

	for _, u := range resp.Units {
		target := protocol.ByUnit(u)
		d, err := ctl.Submit(ctx, protocol.NewQuery(&target))
		if status.CodeOf(err) == status.DeviceNotFound {
			continue
		}
		if err != nil {
			return err
		}
		for _, info := range d.Devices {
			if info.File == spec.File && info.Offset == spec.Offset && !info.Options.Has(protocol.OptShared) {
				return status.Errorf(status.CreateDevice, "%s is already attached as unit %d", spec.File, info.Unit)
			}
		}
	}
	return nil
}

func (r *run) VisitRemove(req protocol.RemoveRequest) error {
	if err := protocol.Validate(req); err != nil {
		return err
	}
	r.enter(TargetResolved)

	submit := func(h *driver.Handle) error {
		r.enter(HandleAcquired)
		_, err := h.Submit(r.ctx, req)
		r.enter(RequestSubmitted)
		return err
	}

	m := r.o.cfg.Manager
	if req.Emergency {
		return m.WithControl(r.ctx, submit)
	}
	return m.With(r.ctx, req.Target, submit)
}

func (r *run) VisitQuery(req protocol.QueryRequest) error {
	if err := protocol.Validate(req); err != nil {
		return err
	}
	r.enter(TargetResolved)

	submit := func(h *driver.Handle) error {
		r.enter(HandleAcquired)
		resp, err := h.Submit(r.ctx, req)
		r.enter(RequestSubmitted)
		if err != nil {
			return err
		}
		r.out.Devices = resp.Devices
		r.out.Units = append([]uint32(nil), resp.Units...)
		sort.Slice(r.out.Units, func(i, j int) bool { return r.out.Units[i] < r.out.Units[j] })
		return nil
	}

	m := r.o.cfg.Manager
	if req.Target == nil {
		return m.WithControl(r.ctx, submit)
	}
	return m.With(r.ctx, *req.Target, submit)
}

func (r *run) VisitEdit(req protocol.EditRequest) error {
	if err := protocol.Validate(req); err != nil {
		return err
	}
	r.enter(TargetResolved)

	return r.o.cfg.Manager.With(r.ctx, req.Target, func(h *driver.Handle) error {
		r.enter(HandleAcquired)
		resp, err := h.Submit(r.ctx, req)
		r.enter(RequestSubmitted)
		if err != nil {
			return err
		}
		r.out.Devices = resp.Devices
		return nil
	})
}

// Details queries every unit in units, skipping units removed in between.
func (o *Orchestrator) Details(ctx context.Context, units []uint32) ([]protocol.DeviceInfo, error) {
	var devices []protocol.DeviceInfo
	err := o.cfg.Manager.WithControl(ctx, func(ctl *driver.Handle) error {
		for _, u := range units {
			target := protocol.ByUnit(u)
			resp, err := ctl.Submit(ctx, protocol.NewQuery(&target))
			if status.CodeOf(err) == status.DeviceNotFound {
				continue
			}
			if err != nil {
				return err
			}
			devices = append(devices, resp.Devices...)
		}
		return nil
	})
	return devices, err
}
