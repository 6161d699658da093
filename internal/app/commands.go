package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gajzzs/vdiskctl/internal/config"
	"github.com/gajzzs/vdiskctl/internal/control"
	"github.com/gajzzs/vdiskctl/internal/driver"
	"github.com/gajzzs/vdiskctl/internal/image"
	"github.com/gajzzs/vdiskctl/internal/mount"
	"github.com/gajzzs/vdiskctl/internal/protocol"
	"github.com/gajzzs/vdiskctl/internal/service"
	"github.com/gajzzs/vdiskctl/internal/status"
	"github.com/gajzzs/vdiskctl/internal/system"
)

const synopsis = `Control virtual disk devices.

  vdiskctl -a -t type -m mountpoint [-o opt1[,opt2 ...]] [-f file] [-s size]
           [-b offset] [-v partition] [-S sectorsize] [-u unit] [-P]
  vdiskctl -d|-D [-u unit | -m mountpoint] [-P]
  vdiskctl -R -u unit
  vdiskctl -l [-u unit | -m mountpoint] [-n] [--format text|json|yaml]
  vdiskctl -e [-s size] [-o opt1[,opt2 ...]] [-u unit | -m mountpoint]
  vdiskctl --restore

Types are file, vm and proxy. Sizes take a b, k, m, g or t suffix, or %
of free physical memory. Mount point #: picks a free drive letter or
mount directory.`

// Monitor answers questions about the running host.
type Monitor interface {
	FreeMemory() (uint64, error)
	HoldersOf(mountPoint string) ([]system.Holder, error)
}

// Env is what a command invocation runs against. Nil fields are replaced by
// the platform implementations configured in the config file.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer

	Backend  driver.Backend
	Mounts   mount.Enumerator
	Services driver.ServiceEnsurer
	Monitor  Monitor
}

type flags struct {
	attach, detach, forceDetach, emergency, list, edit, restore bool

	diskType   string
	mountPoint string
	options    []string
	file       string
	size       string
	offset     string
	partition  string
	sectorSize string
	unit       string
	persistent bool
	numeric    bool
	format     string

	configPath string
	verbose    bool
}

// usageError is a command line that cannot be interpreted.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func wrongSyntax(format string, args ...interface{}) error {
	return &usageError{err: status.Errorf(status.WrongSyntax, format, args...)}
}

// NewRootCommand builds the vdiskctl command. The exit code of the last run
// is stored in *code.
func NewRootCommand(env *Env, code *status.Code) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:                   "vdiskctl",
		Short:                 "Control virtual disk devices",
		Long:                  synopsis,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return wrongSyntax("unexpected argument %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NFlag() == 0 {
				cmd.SetOut(env.Stdout)
				return cmd.Help()
			}
			setupLogging(env.Stderr, f.verbose)
			err := dispatch(cmd.Context(), env, f)
			var ue *usageError
			if errors.As(err, &ue) {
				return err
			}
			if err != nil {
				printError(env.Stderr, err)
			}
			*code = status.CodeOf(err)
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: status.Wrap(status.WrongSyntax, err, "invalid command line")}
	})

	fl := cmd.Flags()
	fl.SortFlags = false
	fl.BoolVarP(&f.attach, "attach", "a", false, "attach a virtual disk")
	fl.BoolVarP(&f.detach, "detach", "d", false, "detach a virtual disk")
	fl.BoolVarP(&f.forceDetach, "force-detach", "D", false, "detach even if the device is in use")
	fl.BoolVarP(&f.emergency, "emergency", "R", false, "remove a device without flushing or dismounting (unit only)")
	fl.BoolVarP(&f.list, "list", "l", false, "list virtual disks")
	fl.BoolVarP(&f.edit, "edit", "e", false, "change size or flags of an existing virtual disk")
	fl.BoolVar(&f.restore, "restore", false, "attach every saved virtual disk")

	fl.StringVarP(&f.diskType, "type", "t", "", "disk type: file, vm or proxy")
	fl.StringVarP(&f.mountPoint, "mount", "m", "", "drive letter or mount point, #: for a free one")
	fl.StringSliceVarP(&f.options, "options", "o", nil, "options: ro, rw, rem, fix, sparse, shared, bswap, saved, awe, par, buf, ip, comm, shm, hd, fd, cd, raw")
	fl.StringVarP(&f.file, "file", "f", "", "image file, or pipe, host[:port] or COM port for proxy disks")
	fl.StringVarP(&f.size, "size", "s", "", "size in bytes, with b/k/m/g/t suffix, or % of free memory")
	fl.StringVarP(&f.offset, "offset", "b", "", "image data offset, or auto to guess it from the file name")
	fl.StringVarP(&f.partition, "partition", "v", "", "partition number inside the image")
	fl.StringVarP(&f.sectorSize, "sector-size", "S", "", "sector size in bytes")
	fl.StringVarP(&f.unit, "unit", "u", "", "unit number")
	fl.BoolVarP(&f.persistent, "persistent", "P", false, "save the change so --restore brings it back")
	fl.BoolVarP(&f.numeric, "numeric", "n", false, "list unit numbers only")
	fl.StringVar(&f.format, "format", "text", "list output: text, json or yaml")
	fl.StringVar(&f.configPath, "config", "", "config file (default "+config.ConfigFile+")")
	fl.BoolVar(&f.verbose, "verbose", false, "log driver traffic")

	return cmd
}

// Execute runs vdiskctl with args and returns the process exit code.
func Execute(ctx context.Context, env Env, args []string) int {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stderr == nil {
		env.Stderr = os.Stderr
	}

	if args == nil {
		args = []string{}
	}

	code := status.Success
	cmd := NewRootCommand(&env, &code)
	cmd.SetArgs(args)
	cmd.SetOut(env.Stdout)
	cmd.SetErr(env.Stderr)

	err := cmd.ExecuteContext(ctx)
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		printError(env.Stderr, ue)
		cmd.SetOut(env.Stderr)
		cmd.Usage()
		return status.WrongSyntax.ExitCode()
	case err != nil:
		printError(env.Stderr, err)
		return status.CodeOf(err).ExitCode()
	}
	return code.ExitCode()
}

func (f *flags) operations() int {
	n := 0
	for _, set := range []bool{f.attach, f.detach, f.forceDetach, f.emergency, f.list, f.edit, f.restore} {
		if set {
			n++
		}
	}
	return n
}

func dispatch(ctx context.Context, env *Env, f *flags) error {
	switch n := f.operations(); {
	case n == 0:
		return wrongSyntax("no operation given: use -a, -d, -D, -R, -l, -e or --restore")
	case n > 1:
		return wrongSyntax("only one of -a, -d, -D, -R, -l, -e and --restore may be given")
	}
	switch f.format {
	case "text", "json", "yaml":
	default:
		return wrongSyntax("unknown output format %q", f.format)
	}

	if err := config.InitConfig(f.configPath); err != nil {
		return status.Wrap(status.Fatal, err, "load configuration")
	}
	s := newSession(env, config.GetConfig())

	switch {
	case f.attach:
		return s.attach(ctx, f)
	case f.detach, f.forceDetach, f.emergency:
		return s.detach(ctx, f)
	case f.list:
		return s.list(ctx, f)
	case f.edit:
		return s.edit(ctx, f)
	default:
		return s.restore(ctx)
	}
}

// session holds the components of one invocation.
type session struct {
	env  *Env
	cfg  *config.Config
	orch *control.Orchestrator
}

func newSession(env *Env, cfg *config.Config) *session {
	if env.Mounts == nil {
		env.Mounts = mount.NewEnumerator()
	}
	if env.Backend == nil {
		env.Backend = driver.NewBackend(driver.BackendConfig{
			ControlDevice: cfg.ControlDevice,
			DeviceDir:     cfg.DeviceDir,
			Mounts:        env.Mounts,
		})
	}
	if env.Services == nil {
		env.Services = service.NewServiceManager()
	}
	if env.Monitor == nil {
		env.Monitor = system.NewSystemMonitor()
	}

	m := driver.NewManager(driver.Config{
		Backend:       env.Backend,
		Services:      env.Services,
		DriverService: cfg.DriverService,
		Timeout:       cfg.Timeout.Duration,
		RetryDelay:    cfg.RetryDelay.Duration,
	})
	orch := control.New(control.Config{
		Manager:       m,
		Mounts:        env.Mounts,
		Services:      env.Services,
		ProxyService:  cfg.ProxyService,
		MemoryService: cfg.MemoryService,
		MountBase:     cfg.MountBase,
	})
	return &session{env: env, cfg: cfg, orch: orch}
}

func (s *session) diskSpec(f *flags) (protocol.DiskSpec, error) {
	spec := protocol.NewDiskSpec()

	if f.diskType != "" {
		t, err := protocol.ParseDiskType(f.diskType)
		if err != nil {
			return spec, err
		}
		spec.Type = t
	}
	opts, err := protocol.ParseOptions(f.options, false, spec.Type)
	if err != nil {
		return spec, err
	}
	spec.Options = opts.Values
	if spec.Type == protocol.TypeUnset {
		spec.Type = opts.Type
	}

	if f.size != "" {
		parser := protocol.SizeParser{FreeMemory: s.env.Monitor.FreeMemory}
		if spec.Size, err = parser.Parse(f.size); err != nil {
			return spec, err
		}
	}

	spec.File = f.file
	if spec.File != "" && spec.Type != protocol.TypeProxy {
		if abs, err := filepath.Abs(spec.File); err == nil {
			spec.File = abs
		}
	}

	switch {
	case strings.EqualFold(f.offset, "auto"):
		spec.Offset = image.OffsetByExt(spec.File)
	case f.offset != "":
		if spec.Offset, err = protocol.ParseOffset(f.offset); err != nil {
			return spec, err
		}
	}

	if f.partition != "" {
		n, err := strconv.ParseUint(f.partition, 10, 8)
		if err != nil || n == 0 {
			return spec, status.Errorf(status.BadSyntax, "invalid partition number %q", f.partition)
		}
		spec.Partition = int(n)
	}
	if f.sectorSize != "" {
		n, err := strconv.ParseUint(f.sectorSize, 0, 32)
		if err != nil {
			return spec, status.Errorf(status.BadSyntax, "invalid sector size %q", f.sectorSize)
		}
		spec.SectorSize = uint32(n)
	}
	if f.unit != "" {
		if spec.Unit, err = protocol.ParseUnit(f.unit); err != nil {
			return spec, err
		}
	}
	if f.mountPoint != "" {
		if spec.MountPoint, err = protocol.NormalizeMountPoint(f.mountPoint); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

func (s *session) create(ctx context.Context, spec protocol.DiskSpec) ([]protocol.DeviceInfo, error) {
	out := s.orch.Run(ctx, protocol.CreateRequest{Spec: spec})
	if out.Err != nil {
		return nil, out.Err
	}
	for _, d := range out.Devices {
		fmt.Fprintf(s.env.Stdout, "Created device %d%s\n", d.Unit, describeMount(d))
	}
	return out.Devices, nil
}

func (s *session) attach(ctx context.Context, f *flags) error {
	spec, err := s.diskSpec(f)
	if err != nil {
		return err
	}
	devices, err := s.create(ctx, spec)
	if err != nil {
		return err
	}
	if f.persistent {
		for _, d := range devices {
			if err := config.AddPersistent(config.FromDevice(spec, d)); err != nil {
				return status.Wrap(status.Fatal, err, "save persistent disk")
			}
		}
	}
	return nil
}

func (s *session) detach(ctx context.Context, f *flags) error {
	target, err := protocol.ParseTarget(f.unit, f.mountPoint)
	if err != nil {
		return err
	}
	// The saved record is keyed by unit and mount point; look up both
	// while the device still exists.
	var known *protocol.DeviceInfo
	if f.persistent {
		q := s.orch.Run(ctx, protocol.NewQuery(&target))
		if q.Err == nil && len(q.Devices) == 1 {
			known = &q.Devices[0]
		}
	}

	req := protocol.RemoveRequest{Target: target, Force: f.forceDetach, Emergency: f.emergency}
	out := s.orch.Run(ctx, req)
	if out.Err != nil {
		if out.Result.Code == status.DeviceInaccessible && !req.Force {
			s.warnHolders(target)
		}
		return out.Err
	}
	fmt.Fprintf(s.env.Stdout, "Removed %s.\n", target)

	if f.persistent {
		var err error
		if known != nil {
			_, err = config.RemovePersistentDevice(*known)
		} else {
			_, err = config.RemovePersistent(target)
		}
		if err != nil {
			return status.Wrap(status.Fatal, err, "update persistent disks")
		}
	}
	return nil
}

// warnHolders logs the processes keeping a mount point busy.
func (s *session) warnHolders(target protocol.DeviceTarget) {
	mp, ok := target.MountPoint()
	if !ok {
		return
	}
	holders, err := s.env.Monitor.HoldersOf(mp)
	if err != nil {
		slog.Debug("cannot list processes using the device", "mount_point", mp, "err", err)
		return
	}
	for _, h := range holders {
		slog.Warn("device in use", "mount_point", mp, "pid", h.PID, "process", h.Name)
	}
}

func (s *session) list(ctx context.Context, f *flags) error {
	var target *protocol.DeviceTarget
	if f.unit != "" || f.mountPoint != "" {
		t, err := protocol.ParseTarget(f.unit, f.mountPoint)
		if err != nil {
			return err
		}
		target = &t
	}

	out := s.orch.Run(ctx, protocol.NewQuery(target))
	if out.Err != nil {
		return out.Err
	}
	if target != nil {
		return printDevices(s.env.Stdout, f.format, out.Devices)
	}
	if f.numeric {
		return printUnits(s.env.Stdout, f.format, out.Units)
	}

	devices, err := s.orch.Details(ctx, out.Units)
	if err != nil {
		return err
	}
	return printDevices(s.env.Stdout, f.format, devices)
}

func (s *session) edit(ctx context.Context, f *flags) error {
	target, err := protocol.ParseTarget(f.unit, f.mountPoint)
	if err != nil {
		return err
	}

	var changes protocol.EditSpec
	if f.size != "" {
		parser := protocol.SizeParser{FreeMemory: s.env.Monitor.FreeMemory}
		if changes.Size, err = parser.Parse(f.size); err != nil {
			return err
		}
	}
	opts, err := protocol.ParseOptions(f.options, true, protocol.TypeUnset)
	if err != nil {
		return err
	}
	changes.Options = opts.Values
	changes.Mask = opts.Mask

	out := s.orch.Run(ctx, protocol.EditRequest{Target: target, Changes: changes})
	if out.Err != nil {
		return out.Err
	}
	for _, d := range out.Devices {
		fmt.Fprintf(s.env.Stdout, "Changed device %d: %s%s.\n", d.Unit, formatSize(d.Size), d.Summary())
	}
	return nil
}

// restore attaches every saved disk. All records are tried; the first
// failure decides the result.
func (s *session) restore(ctx context.Context) error {
	var first error
	for i, pd := range s.cfg.Persistent {
		spec, err := pd.Spec()
		if err == nil {
			_, err = s.create(ctx, spec)
		}
		if err != nil {
			slog.Warn("cannot restore saved disk", "index", i, "file", pd.File, "mount_point", pd.MountPoint, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
