// Package bin provides a uniform representation of binary executables.
package bin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a virtual address that may be specified in hexadecimal notation. It
// implements the flag.Value and encoding.TextUnmarshaler interfaces.
type Addr uint64

// Address size in number of bits.
const addrSize = 64

// NoAddr is the sentinel for an absent or unknown address.
const NoAddr = Addr(1<<addrSize - 1)

// String returns the hexadecimal string representation of v.
func (v Addr) String() string {
	return fmt.Sprintf("0x%08X", uint64(v))
}

// Set sets v to the numberic value represented by s.
func (v *Addr) Set(s string) error {
	x, err := parseUint64(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*v = Addr(x)
	return nil
}

// UnmarshalText unmarshals the text into v.
func (v *Addr) UnmarshalText(text []byte) error {
	return v.Set(string(text))
}

// MarshalText returns the textual representation of v.
func (v Addr) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalJSON unmarshals the given string representation of the address.
func (v *Addr) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.WithStack(err)
	}
	if !strings.HasPrefix(s, "0x") {
		return errors.Errorf("invalid hex representation %q; missing 0x prefix", s)
	}
	return v.Set(s)
}

// Addrs implements the sort.Sort interface, sorting addresses in ascending
// order.
type Addrs []Addr

func (as Addrs) Len() int           { return len(as) }
func (as Addrs) Swap(i, j int)      { as[i], as[j] = as[j], as[i] }
func (as Addrs) Less(i, j int) bool { return as[i] < as[j] }

// ### [ Helper functions ] ####################################################

// parseUint64 interprets the given string in base 10 or base 16 (if prefixed
// with `0x` or `0X`) and returns the corresponding value.
func parseUint64(s string) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[len("0x"):]
		base = 16
	}
	x, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return x, nil
}
