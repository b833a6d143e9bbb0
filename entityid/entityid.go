// Package entityid encodes and decodes the identifiers shared by agents and
// tasks.
//
// Four shapes share one grammar:
//
//	kind                      operator
//	kind:type                 operator:coder
//	kind:type:version         operator:coder:3
//	kind:type[num]:version    operator:coder[2]:3
//
// A Codec is parameterized by a kind enumeration and its validator, so the
// agent and task subsystems instantiate the same grammar with different
// kinds.
package entityid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/beekeeper/errors"
)

// reserved characters may not appear inside a type segment.
const reserved = ":[]"

// TypeID identifies a (kind, type) pair across all versions.
type TypeID[K ~string] struct {
	Kind K
	Type string
}

// String returns the canonical form kind:type.
func (id TypeID[K]) String() string {
	return string(id.Kind) + ":" + id.Type
}

// Version returns the config identifier for version v of this type.
func (id TypeID[K]) Version(v int) ConfigID[K] {
	return ConfigID[K]{Kind: id.Kind, Type: id.Type, Version: v}
}

// ConfigID identifies one version of a config.
type ConfigID[K ~string] struct {
	Kind    K
	Type    string
	Version int
}

// String returns the canonical form kind:type:version.
func (id ConfigID[K]) String() string {
	return fmt.Sprintf("%s:%s:%d", id.Kind, id.Type, id.Version)
}

// TypeID drops the version.
func (id ConfigID[K]) TypeID() TypeID[K] {
	return TypeID[K]{Kind: id.Kind, Type: id.Type}
}

// Instance returns the identifier of instance num of this config version.
func (id ConfigID[K]) Instance(num int) InstanceID[K] {
	return InstanceID[K]{Kind: id.Kind, Type: id.Type, Num: num, Version: id.Version}
}

// InstanceID identifies one numbered member of a config version: an agent
// instance or a task run.
type InstanceID[K ~string] struct {
	Kind    K
	Type    string
	Num     int
	Version int
}

// String returns the canonical form kind:type[num]:version.
func (id InstanceID[K]) String() string {
	return fmt.Sprintf("%s:%s[%d]:%d", id.Kind, id.Type, id.Num, id.Version)
}

// ConfigID drops the instance number.
func (id InstanceID[K]) ConfigID() ConfigID[K] {
	return ConfigID[K]{Kind: id.Kind, Type: id.Type, Version: id.Version}
}

// TypeID drops the instance number and version.
func (id InstanceID[K]) TypeID() TypeID[K] {
	return TypeID[K]{Kind: id.Kind, Type: id.Type}
}

// Codec encodes and decodes identifiers whose kind is validated by a
// caller-supplied function.
type Codec[K ~string] struct {
	valid func(K) bool
}

// NewCodec creates a codec. A nil validator accepts any non-empty kind.
func NewCodec[K ~string](valid func(K) bool) Codec[K] {
	return Codec[K]{valid: valid}
}

// EncodeKind returns the canonical form of a bare kind.
func (c Codec[K]) EncodeKind(k K) (string, error) {
	if err := c.checkKind(k); err != nil {
		return "", err
	}
	return string(k), nil
}

// DecodeKind parses a bare kind.
func (c Codec[K]) DecodeKind(s string) (K, error) {
	k := K(s)
	if err := c.checkKind(k); err != nil {
		return "", err
	}
	return k, nil
}

// EncodeType validates and encodes a kind:type identifier.
func (c Codec[K]) EncodeType(id TypeID[K]) (string, error) {
	if err := c.checkKind(id.Kind); err != nil {
		return "", err
	}
	if err := checkType(id.Type); err != nil {
		return "", err
	}
	return id.String(), nil
}

// DecodeType parses a kind:type identifier.
func (c Codec[K]) DecodeType(s string) (TypeID[K], error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TypeID[K]{}, formatErr(s, "expected kind:type")
	}
	kind, err := c.DecodeKind(parts[0])
	if err != nil {
		return TypeID[K]{}, err
	}
	if err := checkType(parts[1]); err != nil {
		return TypeID[K]{}, err
	}
	return TypeID[K]{Kind: kind, Type: parts[1]}, nil
}

// EncodeConfig validates and encodes a kind:type:version identifier.
func (c Codec[K]) EncodeConfig(id ConfigID[K]) (string, error) {
	if _, err := c.EncodeType(id.TypeID()); err != nil {
		return "", err
	}
	if id.Version < 1 {
		return "", formatErr(id.String(), "version must be positive")
	}
	return id.String(), nil
}

// DecodeConfig parses a kind:type:version identifier.
func (c Codec[K]) DecodeConfig(s string) (ConfigID[K], error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ConfigID[K]{}, formatErr(s, "missing version")
	}
	tid, err := c.DecodeType(s[:i])
	if err != nil {
		return ConfigID[K]{}, err
	}
	v, err := parsePositive(s[i+1:])
	if err != nil {
		return ConfigID[K]{}, formatErr(s, "version: "+err.Error())
	}
	return tid.Version(v), nil
}

// EncodeInstance validates and encodes a kind:type[num]:version identifier.
func (c Codec[K]) EncodeInstance(id InstanceID[K]) (string, error) {
	if _, err := c.EncodeConfig(id.ConfigID()); err != nil {
		return "", err
	}
	if id.Num < 1 {
		return "", formatErr(id.String(), "instance number must be positive")
	}
	return id.String(), nil
}

// DecodeInstance parses a kind:type[num]:version identifier.
func (c Codec[K]) DecodeInstance(s string) (InstanceID[K], error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return InstanceID[K]{}, formatErr(s, "missing version")
	}
	head, tail := s[:i], s[i+1:]

	open := strings.LastIndexByte(head, '[')
	if open < 0 || !strings.HasSuffix(head, "]") {
		return InstanceID[K]{}, formatErr(s, "missing [num]")
	}
	num, err := parsePositive(head[open+1 : len(head)-1])
	if err != nil {
		return InstanceID[K]{}, formatErr(s, "instance number: "+err.Error())
	}
	tid, err := c.DecodeType(head[:open])
	if err != nil {
		return InstanceID[K]{}, err
	}
	v, err := parsePositive(tail)
	if err != nil {
		return InstanceID[K]{}, formatErr(s, "version: "+err.Error())
	}
	return tid.Version(v).Instance(num), nil
}

func (c Codec[K]) checkKind(k K) error {
	if k == "" {
		return formatErr("", "empty kind")
	}
	if strings.ContainsAny(string(k), reserved) {
		return formatErr(string(k), "kind contains reserved characters")
	}
	if c.valid != nil && !c.valid(k) {
		return formatErr(string(k), "unknown kind")
	}
	return nil
}

func checkType(t string) error {
	if t == "" {
		return formatErr(t, "empty type")
	}
	if strings.ContainsAny(t, reserved) {
		return formatErr(t, "type contains reserved characters")
	}
	return nil
}

// parsePositive accepts only plain decimal digits, so "+1" and "01" are
// rejected and encode(decode(s)) == s holds.
func parsePositive(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing")
	}
	if s[0] == '0' {
		return 0, fmt.Errorf("%q has a leading zero", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%q is not numeric", s)
		}
	}
	return strconv.Atoi(s)
}

func formatErr(id, reason string) error {
	return errors.New(errors.ErrCodeFormat, fmt.Sprintf("malformed id %q: %s", id, reason),
		errors.WithMetadata("id", id))
}
