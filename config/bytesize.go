package config

import (
	"fmt"

	"github.com/docker/go-units"
)

// ByteSize is a size in bytes that reads and writes human-readable binary
// units such as "8KiB" or "64k".
type ByteSize int64

// ParseByteSize parses a size like "8KiB", "64k" or "1048576".
func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	return ByteSize(n), nil
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}

// String formats the size with binary units, e.g. "8KiB".
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// MarshalYAML writes the size in its human-readable form.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
