package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a byte count read from strings like "10MB", "512KiB" or
// "1048576". SI and IEC units are both accepted, case-insensitively.
type ByteSize int64

// ParseByteSize parses s. Empty and "0" mean zero.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows int64", s)
	}
	return ByteSize(n), nil
}

// UnmarshalText lets env parse ByteSize fields.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
