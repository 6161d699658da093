package protocol

import (
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/gajzzs/vdiskctl/internal/status"
)

// BlockSize is the unit of the "b" size suffix.
const BlockSize = 512

// SizeParser parses size and offset arguments. FreeMemory, when set,
// enables the percent suffix.
type SizeParser struct {
	FreeMemory func() (uint64, error)
}

// ParseSize parses a size without percent support.
func ParseSize(s string) (int64, error) {
	return SizeParser{}.Parse(s)
}

// ParseOffset parses an image offset. It follows the size grammar but
// accepts zero.
func ParseOffset(s string) (int64, error) {
	return SizeParser{}.parse(s, true)
}

// Parse accepts a decimal number optionally followed by one of K, M, G, T
// (powers of 1024), B (512-byte blocks) or % (percent of free physical
// memory). Suffixes are case-insensitive and a bare number is bytes.
func (p SizeParser) Parse(s string) (int64, error) {
	return p.parse(s, false)
}

func (p SizeParser) parse(s string, allowZero bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, status.Errorf(status.BadSyntax, "empty size")
	}

	digits, suffix := s, byte(0)
	if last := s[len(s)-1]; last < '0' || last > '9' {
		digits, suffix = s[:len(s)-1], last|0x20
		if last == '%' {
			suffix = '%'
		}
	}
	if digits == "" || strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		return 0, status.Errorf(status.BadSyntax, "invalid size %q", s)
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, status.Errorf(status.BadSyntax, "invalid size %q", s)
	}

	var shift uint
	switch suffix {
	case 0:
	case 'b':
		shift = 9
	case 'k':
		shift = 10
	case 'm':
		shift = 20
	case 'g':
		shift = 30
	case 't':
		shift = 40
	case '%':
		return p.percent(s, n)
	default:
		return 0, status.Errorf(status.BadSyntax, "unsupported size suffix %q in %q", suffix, s)
	}

	if n > math.MaxInt64>>shift {
		return 0, status.Errorf(status.BadSyntax, "size %q is too large", s)
	}
	size := int64(n << shift)
	if size == 0 && !allowZero {
		return 0, status.Errorf(status.BadSyntax, "size must be positive")
	}
	return size, nil
}

func (p SizeParser) percent(s string, n uint64) (int64, error) {
	if n < 1 || n > 99 {
		return 0, status.Errorf(status.BadSyntax, "percent size %q must be between 1%% and 99%%", s)
	}
	if p.FreeMemory == nil {
		return 0, status.Errorf(status.BadSyntax, "percent sizes are not available here")
	}
	free, err := p.FreeMemory()
	if err != nil {
		return 0, status.Wrap(status.NotEnoughMemory, err, "query free memory")
	}

	hi, lo := bits.Mul64(free/100, n)
	if hi != 0 || lo > math.MaxInt64 {
		return 0, status.Errorf(status.BadSyntax, "size %q is too large", s)
	}
	if lo == 0 {
		return 0, status.Errorf(status.NotEnoughMemory, "not enough free memory for a %d%% disk", n)
	}
	return int64(lo), nil
}
