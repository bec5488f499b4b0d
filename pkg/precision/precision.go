// Package precision defines the closed set of element encodings used for
// expert, router and shared tensors.
package precision

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a tensor element encoding.
// Keep these stable; add new values only.
type Kind uint8

const (
	Int2 Kind = iota
	Int4
	Int8
	FP16
	BF16
	FP32

	numKinds
)

// ErrUnknown is returned by Parse for names outside the closed set.
var ErrUnknown = errors.New("unknown precision")

type entry struct {
	name     string
	bits     int
	floating bool
}

// Indexed by Kind.
var table = [numKinds]entry{
	Int2: {name: "int2", bits: 2},
	Int4: {name: "int4", bits: 4},
	Int8: {name: "int8", bits: 8},
	FP16: {name: "fp16", bits: 16, floating: true},
	BF16: {name: "bf16", bits: 16, floating: true},
	FP32: {name: "fp32", bits: 32, floating: true},
}

// All returns every kind in declaration order.
func All() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) entry() entry {
	if k >= numKinds {
		panic(fmt.Sprintf("precision: invalid kind %d", uint8(k)))
	}
	return table[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return k < numKinds }

// BitWidth is the number of bits used per element.
func (k Kind) BitWidth() int { return k.entry().bits }

// BytesPerElement is BitWidth/8, fractional for sub-byte kinds.
func (k Kind) BytesPerElement() float64 { return float64(k.entry().bits) / 8 }

// IsFloat reports whether the kind stores floating-point values rather than
// affine-quantized integers.
func (k Kind) IsFloat() bool { return k.entry().floating }

// MaxQuant is the largest integer code for the kind (2^bits - 1).
func (k Kind) MaxQuant() uint64 { return 1<<uint(k.BitWidth()) - 1 }

// SizeBytes returns floor(elements * bytesPerElement) without going through
// floating point.
func (k Kind) SizeBytes(elements uint64) uint64 {
	bits := uint64(k.BitWidth())
	return elements/8*bits + elements%8*bits/8
}

// PackedLen returns the number of bytes needed to hold n packed elements.
// Unlike SizeBytes it rounds partial bytes up.
func (k Kind) PackedLen(n int) int {
	bits := k.BitWidth()
	return (n*bits + 7) / 8
}

func (k Kind) String() string {
	if k >= numKinds {
		return fmt.Sprintf("precision(%d)", uint8(k))
	}
	return table[k].name
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse resolves a precision name such as "int4" or "bf16". Matching is
// case-insensitive and ignores surrounding whitespace.
func Parse(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k := Kind(0); k < numKinds; k++ {
		if table[k].name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknown, s)
}

// Names lists the accepted precision names.
func Names() []string {
	out := make([]string, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, table[k].name)
	}
	return out
}
