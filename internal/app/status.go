package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/gajzzs/vdiskctl/internal/protocol"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// printError writes the single error line of a failed invocation.
func printError(w io.Writer, err error) {
	label := color.New(color.FgRed, color.Bold)
	if isTerminal(w) {
		label.EnableColor()
	} else {
		label.DisableColor()
	}
	fmt.Fprintf(w, "%s %s\n", label.Sprint("Error:"), strings.ReplaceAll(err.Error(), "\n", " "))
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d bytes", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%d bytes (%.1f %ciB)", n, float64(n)/float64(div), "KMGTP"[exp])
}

func describeMount(d protocol.DeviceInfo) string {
	if d.MountPoint == "" {
		return ""
	}
	return " at " + d.MountPoint
}

func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func printUnits(w io.Writer, format string, units []uint32) error {
	if format != "text" {
		if units == nil {
			units = []uint32{}
		}
		return encode(w, format, units)
	}
	for _, u := range units {
		fmt.Fprintln(w, u)
	}
	return nil
}

func printDevices(w io.Writer, format string, devices []protocol.DeviceInfo) error {
	if format != "text" {
		if devices == nil {
			devices = []protocol.DeviceInfo{}
		}
		return encode(w, format, devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No virtual disks.")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(w, "Unit %d%s\n", d.Unit, describeMount(d))
		if d.File != "" {
			fmt.Fprintf(w, "  Image: %s\n", d.File)
			if d.Offset != 0 {
				fmt.Fprintf(w, "  Offset: %d bytes\n", d.Offset)
			}
		} else {
			fmt.Fprintln(w, "  Image: none")
		}
		fmt.Fprintf(w, "  Size: %s\n", formatSize(d.Size))
		fmt.Fprintf(w, "  Type: %s\n", strings.TrimPrefix(d.Summary(), ", "))
	}
	return nil
}
