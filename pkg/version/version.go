// Package version provides the protocol version tuple carried by every frame.
package version

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Current is the protocol version implemented by this library.
var Current = Version{Major: 1, Minor: 0}

// Version is a "major.minor" protocol version.
//
// JSON encodes the version as the string "major.minor"; MessagePack encodes
// it as a two-element array of integers.
type Version struct {
	Major uint8
	Minor uint8
}

// Parse parses a "major.minor" version string.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || parts[1] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return Version{Major: uint8(major), Minor: uint8(minor)}, nil
}

// String returns the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether the other version has the same major version.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major
}

// MarshalJSON encodes the version as "major.minor".
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes the version from "major.minor".
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// EncodeMsgpack encodes the version as a two-element integer array.
func (v Version) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := e.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := e.EncodeUint8(v.Major); err != nil {
		return err
	}
	return e.EncodeUint8(v.Minor)
}

// DecodeMsgpack decodes the version from a two-element integer array.
func (v *Version) DecodeMsgpack(d *msgpack.Decoder) error {
	n, err := d.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("invalid version array length: %d", n)
	}
	major, err := d.DecodeUint8()
	if err != nil {
		return err
	}
	minor, err := d.DecodeUint8()
	if err != nil {
		return err
	}
	v.Major, v.Minor = major, minor
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ json.Marshaler        = Version{}
	_ json.Unmarshaler      = (*Version)(nil)
	_ msgpack.CustomEncoder = Version{}
	_ msgpack.CustomDecoder = (*Version)(nil)
)
