// Package quant converts float tensors to packed fixed-width encodings and
// back.
//
// Integer kinds use an asymmetric affine mapping q = round(v/scale) + zp,
// reconstructed as (q - zp) * scale. Sub-byte kinds are packed
// little-end-first: int2 holds four codes per byte at bit offsets 0, 2, 4, 6
// and int4 holds two codes per byte, low nibble first. Float kinds store the
// values themselves (fp16 as IEEE 754 binary16, bf16 as the upper half of
// the float32 bits, fp32 as-is), little-endian, with the identity mapping
// scale=1, zp=0.
package quant

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/moeplan/pkg/precision"
)

var (
	ErrNonFinite        = errors.New("quant: non-finite input value")
	ErrNotRepresentable = errors.New("quant: value not representable in target precision")
	ErrShortData        = errors.New("quant: packed data shorter than element count")
	ErrFloatPrecision   = errors.New("quant: float precisions are not code-packed")
	errCodeRange        = errors.New("quant: code out of range for precision")
)

// QuantTensor is the packed result of quantizing one tensor.
type QuantTensor struct {
	Precision precision.Kind
	Count     int
	Scale     float64
	ZeroPoint int
	Data      []byte
}

// ComputeScaleZeroPoint derives affine parameters mapping [minVal, maxVal]
// onto [0, 2^bits-1]. Bounds are expected to be finite; swapped bounds are
// reordered.
//
// When minVal == maxVal the range is widened to include zero so the constant
// still reconstructs exactly. An all-zero range yields scale=1, zp=0.
func ComputeScaleZeroPoint(minVal, maxVal float64, p precision.Kind) (float64, int) {
	if minVal > maxVal {
		minVal, maxVal = maxVal, minVal
	}
	qmin := 0.0
	qmax := float64(p.MaxQuant())

	if minVal == maxVal {
		minVal = math.Min(minVal, 0)
		maxVal = math.Max(maxVal, 0)
		if minVal == maxVal {
			return 1, int(qmin)
		}
	}

	scale := (maxVal - minVal) / (qmax - qmin)
	if scale == 0 {
		// Range narrower than the smallest representable step.
		scale = math.SmallestNonzeroFloat64
	}
	zp := clamp(math.Round(qmin-minVal/scale), qmin, qmax)
	return scale, int(zp)
}

// Quantize encodes values at precision p. An empty input yields an empty
// buffer with scale=1, zp=0.
func Quantize(values []float32, p precision.Kind) (QuantTensor, error) {
	out := QuantTensor{Precision: p, Count: len(values), Scale: 1, Data: []byte{}}
	if len(values) == 0 {
		return out, nil
	}
	for i, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return QuantTensor{}, fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
	}

	switch p {
	case precision.Int2, precision.Int4, precision.Int8:
		lo, hi := minMax(values)
		// Keep zero inside the range so the zero point never needs clamping.
		scale, zp := ComputeScaleZeroPoint(math.Min(lo, 0), math.Max(hi, 0), p)
		codes := quantizeCodes(values, scale, zp, p)
		data, err := Pack(codes, p)
		if err != nil {
			return QuantTensor{}, err
		}
		out.Scale, out.ZeroPoint, out.Data = scale, zp, data
	case precision.FP16:
		data, err := encodeFP16(values)
		if err != nil {
			return QuantTensor{}, err
		}
		out.Data = data
	case precision.BF16:
		out.Data = bfloat16.EncodeFloat32(values)
	case precision.FP32:
		out.Data = encodeFP32(values)
	default:
		panic(fmt.Sprintf("quant: invalid precision %d", uint8(p)))
	}
	return out, nil
}

// Dequantize reconstructs float values as (q - zp) * scale.
func Dequantize(qt QuantTensor) ([]float32, error) {
	n := qt.Count
	if n == 0 {
		return []float32{}, nil
	}
	if len(qt.Data) < qt.Precision.PackedLen(n) {
		return nil, ErrShortData
	}

	var raw []float64
	switch qt.Precision {
	case precision.Int2, precision.Int4, precision.Int8:
		codes, err := Unpack(qt.Data, n, qt.Precision)
		if err != nil {
			return nil, err
		}
		raw = make([]float64, n)
		for i, c := range codes {
			raw[i] = float64(c)
		}
	case precision.FP16:
		raw = make([]float64, n)
		for i := range raw {
			h := float16.Frombits(binary.LittleEndian.Uint16(qt.Data[2*i:]))
			raw[i] = float64(h.Float32())
		}
	case precision.BF16:
		decoded := bfloat16.DecodeFloat32(qt.Data[:2*n])
		raw = make([]float64, n)
		for i, v := range decoded {
			raw[i] = float64(v)
		}
	case precision.FP32:
		raw = make([]float64, n)
		for i := range raw {
			raw[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(qt.Data[4*i:])))
		}
	default:
		panic(fmt.Sprintf("quant: invalid precision %d", uint8(qt.Precision)))
	}

	out := make([]float32, n)
	zp := float64(qt.ZeroPoint)
	for i, q := range raw {
		out[i] = float32((q - zp) * qt.Scale)
	}
	return out, nil
}

// Pack packs integer codes for an integer precision. The final byte of a
// sub-byte group is zero-padded.
func Pack(codes []uint32, p precision.Kind) ([]byte, error) {
	if p.IsFloat() {
		return nil, ErrFloatPrecision
	}
	maxq := uint32(p.MaxQuant())
	out := make([]byte, p.PackedLen(len(codes)))
	switch p {
	case precision.Int2:
		for i, c := range codes {
			if c > maxq {
				return nil, errCodeRange
			}
			out[i/4] |= byte(c&0x3) << (2 * (i % 4))
		}
	case precision.Int4:
		for i, c := range codes {
			if c > maxq {
				return nil, errCodeRange
			}
			out[i/2] |= byte(c&0xF) << (4 * (i % 2))
		}
	case precision.Int8:
		for i, c := range codes {
			if c > maxq {
				return nil, errCodeRange
			}
			out[i] = byte(c)
		}
	}
	return out, nil
}

// Unpack is the inverse of Pack for the first n codes.
func Unpack(data []byte, n int, p precision.Kind) ([]uint32, error) {
	if p.IsFloat() {
		return nil, ErrFloatPrecision
	}
	if len(data) < p.PackedLen(n) {
		return nil, ErrShortData
	}
	out := make([]uint32, n)
	switch p {
	case precision.Int2:
		for i := range out {
			out[i] = uint32(data[i/4]>>(2*(i%4))) & 0x3
		}
	case precision.Int4:
		for i := range out {
			out[i] = uint32(data[i/2]>>(4*(i%2))) & 0xF
		}
	case precision.Int8:
		for i := range out {
			out[i] = uint32(data[i])
		}
	}
	return out, nil
}

// QuantizeBatch quantizes independent tensors concurrently. Results keep the
// input order. workers <= 0 means no limit.
func QuantizeBatch(ctx context.Context, batches [][]float32, p precision.Kind, workers int) ([]QuantTensor, error) {
	out := make([]QuantTensor, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			qt, err := Quantize(batches[i], p)
			if err != nil {
				return fmt.Errorf("tensor %d: %w", i, err)
			}
			out[i] = qt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MaxAbsError returns the largest |a[i]-b[i]| over the shorter length.
func MaxAbsError(a, b []float32) float64 {
	n := min(len(a), len(b))
	var worst float64
	for i := range n {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > worst {
			worst = d
		}
	}
	return worst
}

func quantizeCodes(values []float32, scale float64, zp int, p precision.Kind) []uint32 {
	qmax := float64(p.MaxQuant())
	codes := make([]uint32, len(values))
	for i, v := range values {
		q := math.Round(float64(v)/scale) + float64(zp)
		codes[i] = uint32(clamp(q, 0, qmax))
	}
	return codes
}

func encodeFP16(values []float32) ([]byte, error) {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		h := float16.Fromfloat32(v)
		if math.IsInf(float64(h.Float32()), 0) {
			return nil, fmt.Errorf("%w: %g as fp16 at index %d", ErrNotRepresentable, v, i)
		}
		binary.LittleEndian.PutUint16(out[2*i:], h.Bits())
	}
	return out, nil
}

func encodeFP32(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func minMax(values []float32) (float64, float64) {
	lo, hi := float64(values[0]), float64(values[0])
	for _, v := range values[1:] {
		f := float64(v)
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return lo, hi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
