// Package tensor describes named tensors and the experts built from them.
// Specs carry shape and encoding only; no element data lives here.
package tensor

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/samcharles93/moeplan/pkg/precision"
)

// ErrSizeOverflow reports a tensor or expert whose byte size does not fit
// in 64 bits.
var ErrSizeOverflow = errors.New("size overflows uint64")

// Spec describes one named tensor. Treat a Spec as immutable: use
// WithQuantization to derive a copy carrying quantization parameters.
type Spec struct {
	Name      string
	Shape     []int
	Precision precision.Kind
	Scale     *float64
	ZeroPoint *int
}

// NewSpec copies shape so later mutation of the caller's slice cannot leak in.
func NewSpec(name string, p precision.Kind, shape ...int) Spec {
	return Spec{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Precision: p,
	}
}

// ElementCount is the product of the shape dimensions. A scalar (empty
// shape) has one element.
func (s Spec) ElementCount() uint64 {
	n := uint64(1)
	for _, d := range s.Shape {
		if d < 0 {
			return 0
		}
		n *= uint64(d)
	}
	return n
}

// SizeBytes is floor(ElementCount * bytesPerElement).
func (s Spec) SizeBytes() uint64 {
	return s.Precision.SizeBytes(s.ElementCount())
}

// CheckedSizeBytes is SizeBytes with every multiplication and addition
// checked for uint64 overflow.
func (s Spec) CheckedSizeBytes() (uint64, error) {
	n := uint64(1)
	for _, d := range s.Shape {
		if d < 0 {
			return 0, nil
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 {
			return 0, fmt.Errorf("tensor %q: %w", s.Name, ErrSizeOverflow)
		}
		n = lo
	}
	width := uint64(s.Precision.BitWidth())
	hi, whole := bits.Mul64(n/8, width)
	if hi != 0 {
		return 0, fmt.Errorf("tensor %q: %w", s.Name, ErrSizeOverflow)
	}
	size, carry := bits.Add64(whole, n%8*width/8, 0)
	if carry != 0 {
		return 0, fmt.Errorf("tensor %q: %w", s.Name, ErrSizeOverflow)
	}
	return size, nil
}

// WithQuantization returns a copy of s recording the given affine parameters.
func (s Spec) WithQuantization(scale float64, zeroPoint int) Spec {
	out := s
	out.Shape = append([]int(nil), s.Shape...)
	out.Scale = &scale
	out.ZeroPoint = &zeroPoint
	return out
}

// Quantization is the serialized form of a spec's affine parameters.
type Quantization struct {
	Scale     float64 `json:"scale"`
	ZeroPoint *int    `json:"zero_point"`
}

// Descriptor is the serialized form of a Spec consumed by plan output and
// manifest exporters.
type Descriptor struct {
	Name         string         `json:"name"`
	Shape        []int          `json:"shape"`
	Precision    precision.Kind `json:"precision"`
	SizeBytes    uint64         `json:"size_bytes"`
	Quantization *Quantization  `json:"quantization"`
}

// Descriptor renders s. Quantization is present only when a scale was
// recorded.
func (s Spec) Descriptor() Descriptor {
	d := Descriptor{
		Name:      s.Name,
		Shape:     append([]int{}, s.Shape...),
		Precision: s.Precision,
		SizeBytes: s.SizeBytes(),
	}
	if s.Scale != nil {
		q := &Quantization{Scale: *s.Scale}
		if s.ZeroPoint != nil {
			zp := *s.ZeroPoint
			q.ZeroPoint = &zp
		}
		d.Quantization = q
	}
	return d
}

// Expert is the projection tensor layout of one routed expert.
type Expert struct {
	ID       string
	UpProj   Spec
	DownProj Spec
	GateProj *Spec
}

// TotalBytes sums the projection sizes; a missing gate contributes nothing.
func (e Expert) TotalBytes() uint64 {
	total := e.UpProj.SizeBytes() + e.DownProj.SizeBytes()
	if e.GateProj != nil {
		total += e.GateProj.SizeBytes()
	}
	return total
}

// CheckedTotalBytes is TotalBytes with overflow reported as ErrSizeOverflow.
func (e Expert) CheckedTotalBytes() (uint64, error) {
	var total uint64
	for _, spec := range e.Tensors() {
		n, err := spec.CheckedSizeBytes()
		if err != nil {
			return 0, err
		}
		var carry uint64
		total, carry = bits.Add64(total, n, 0)
		if carry != 0 {
			return 0, fmt.Errorf("expert %q: %w", e.ID, ErrSizeOverflow)
		}
	}
	return total, nil
}

// Tensors lists the expert's specs in up, down, gate order.
func (e Expert) Tensors() []Spec {
	out := []Spec{e.UpProj, e.DownProj}
	if e.GateProj != nil {
		out = append(out, *e.GateProj)
	}
	return out
}

// ExpertTensors is the serialized per-projection breakdown of an expert.
type ExpertTensors struct {
	UpProj   Descriptor  `json:"up_proj"`
	DownProj Descriptor  `json:"down_proj"`
	GateProj *Descriptor `json:"gate_proj"`
}

// Breakdown renders the expert's tensors for plan output.
func (e Expert) Breakdown() ExpertTensors {
	out := ExpertTensors{
		UpProj:   e.UpProj.Descriptor(),
		DownProj: e.DownProj.Descriptor(),
	}
	if e.GateProj != nil {
		d := e.GateProj.Descriptor()
		out.GateProj = &d
	}
	return out
}
