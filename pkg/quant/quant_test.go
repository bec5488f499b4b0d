package quant

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/moeplan/pkg/precision"
)

func TestComputeScaleZeroPoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		lo, hi    float64
		p         precision.Kind
		wantScale float64
		wantZP    int
	}{
		{"int2 unit", 0, 3, precision.Int2, 1, 0},
		{"int2 straddles zero", -1, 2, precision.Int2, 1, 1},
		{"int4 negative", -15, 0, precision.Int4, 1, 15},
		{"int8 positive min clamps zp", 10, 11, precision.Int8, 1.0 / 255, 0},
		{"swapped bounds", 3, 0, precision.Int2, 1, 0},
		{"degenerate positive", 5, 5, precision.Int8, 5.0 / 255, 0},
		{"degenerate negative", -2, -2, precision.Int8, 2.0 / 255, 255},
		{"degenerate zero", 0, 0, precision.Int4, 1, 0},
	}
	for _, tc := range tests {
		scale, zp := ComputeScaleZeroPoint(tc.lo, tc.hi, tc.p)
		if math.Abs(scale-tc.wantScale) > 1e-12 || zp != tc.wantZP {
			t.Errorf("%s: got (%v, %d) want (%v, %d)", tc.name, scale, zp, tc.wantScale, tc.wantZP)
		}
		if scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
			t.Errorf("%s: scale must be positive and finite, got %v", tc.name, scale)
		}
	}
}

func TestQuantizeEmpty(t *testing.T) {
	t.Parallel()

	for _, p := range precision.All() {
		qt, err := Quantize(nil, p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if len(qt.Data) != 0 || qt.Scale != 1 || qt.ZeroPoint != 0 || qt.Count != 0 {
			t.Fatalf("%s: unexpected empty result %+v", p, qt)
		}
		got, err := Dequantize(qt)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s: dequantize empty: %v %v", p, got, err)
		}
	}
}

func TestPackedLength(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 17; n++ {
		values := make([]float32, n)
		for i := range values {
			values[i] = float32(i) - 3
		}
		for _, tc := range []struct {
			p    precision.Kind
			want int
		}{
			{precision.Int2, (n + 3) / 4},
			{precision.Int4, (n + 1) / 2},
			{precision.Int8, n},
			{precision.FP16, 2 * n},
			{precision.BF16, 2 * n},
			{precision.FP32, 4 * n},
		} {
			qt, err := Quantize(values, tc.p)
			if err != nil {
				t.Fatalf("%s n=%d: %v", tc.p, n, err)
			}
			if len(qt.Data) != tc.want {
				t.Fatalf("%s n=%d: packed len %d want %d", tc.p, n, len(qt.Data), tc.want)
			}
		}
	}
}

func TestPackBitLayout(t *testing.T) {
	t.Parallel()

	got, err := Pack([]uint32{1, 2, 3, 0, 1}, precision.Int2)
	if err != nil {
		t.Fatalf("pack int2: %v", err)
	}
	if !bytes.Equal(got, []byte{0x39, 0x01}) {
		t.Fatalf("int2 layout: got %x", got)
	}

	got, err = Pack([]uint32{1, 2, 3}, precision.Int4)
	if err != nil {
		t.Fatalf("pack int4: %v", err)
	}
	if !bytes.Equal(got, []byte{0x21, 0x03}) {
		t.Fatalf("int4 layout: got %x", got)
	}

	got, err = Pack([]uint32{0, 127, 255}, precision.Int8)
	if err != nil {
		t.Fatalf("pack int8: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 127, 255}) {
		t.Fatalf("int8 layout: got %x", got)
	}

	if _, err := Pack([]uint32{4}, precision.Int2); err == nil {
		t.Fatalf("expected out-of-range code error")
	}
	if _, err := Pack([]uint32{1}, precision.FP16); !errors.Is(err, ErrFloatPrecision) {
		t.Fatalf("expected ErrFloatPrecision, got %v", err)
	}
}

func TestUnpackInvertsPack(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(7, 11))
	for _, p := range []precision.Kind{precision.Int2, precision.Int4, precision.Int8} {
		codes := make([]uint32, 37)
		for i := range codes {
			codes[i] = uint32(r.IntN(int(p.MaxQuant()) + 1))
		}
		packed, err := Pack(codes, p)
		if err != nil {
			t.Fatalf("%s pack: %v", p, err)
		}
		got, err := Unpack(packed, len(codes), p)
		if err != nil {
			t.Fatalf("%s unpack: %v", p, err)
		}
		for i := range codes {
			if got[i] != codes[i] {
				t.Fatalf("%s code %d: got %d want %d", p, i, got[i], codes[i])
			}
		}
	}
}

func TestQuantizeKnownCodes(t *testing.T) {
	t.Parallel()

	qt, err := Quantize([]float32{0, 1, 2, 3}, precision.Int2)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if qt.Scale != 1 || qt.ZeroPoint != 0 {
		t.Fatalf("scale/zp: got (%v, %d)", qt.Scale, qt.ZeroPoint)
	}
	if !bytes.Equal(qt.Data, []byte{0xE4}) {
		t.Fatalf("packed: got %x want e4", qt.Data)
	}
}

func TestRoundTripWithinHalfStep(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	inputs := [][]float32{
		{0.5},
		{-3, -3, -3},
		{7, 7},
		{10, 10.5, 11},
		{-1e-3, 2e-3, 5e-4},
	}
	for range 8 {
		v := make([]float32, 1+r.IntN(64))
		for i := range v {
			v[i] = float32(r.NormFloat64() * 4)
		}
		inputs = append(inputs, v)
	}

	for _, p := range []precision.Kind{precision.Int2, precision.Int4, precision.Int8} {
		for _, values := range inputs {
			qt, err := Quantize(values, p)
			if err != nil {
				t.Fatalf("%s: %v", p, err)
			}
			got, err := Dequantize(qt)
			if err != nil {
				t.Fatalf("%s dequantize: %v", p, err)
			}
			for i, v := range values {
				tol := qt.Scale/2 + 1e-6*math.Abs(float64(v)) + 1e-9
				if d := math.Abs(float64(got[i]) - float64(v)); d > tol {
					t.Fatalf("%s value %d: |%v - %v| = %v > %v", p, i, got[i], v, d, tol)
				}
			}
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	t.Parallel()

	values := []float32{0, 1, -1, 3.14159, -2.71828, 1234.5, 1e-3, 65504}
	tests := []struct {
		p      precision.Kind
		relTol float64
	}{
		{precision.FP32, 0},
		{precision.FP16, 1.0 / 1024},
		{precision.BF16, 1.0 / 64},
	}
	for _, tc := range tests {
		qt, err := Quantize(values, tc.p)
		if err != nil {
			t.Fatalf("%s: %v", tc.p, err)
		}
		if qt.Scale != 1 || qt.ZeroPoint != 0 {
			t.Fatalf("%s: float kinds use the identity mapping, got (%v, %d)", tc.p, qt.Scale, qt.ZeroPoint)
		}
		got, err := Dequantize(qt)
		if err != nil {
			t.Fatalf("%s dequantize: %v", tc.p, err)
		}
		for i, v := range values {
			tol := tc.relTol * math.Abs(float64(v))
			if d := math.Abs(float64(got[i]) - float64(v)); d > tol {
				t.Fatalf("%s value %d: got %v want %v (tol %v)", tc.p, i, got[i], v, tol)
			}
		}
	}
}

func TestHalfPrecisionEncodingsDiffer(t *testing.T) {
	t.Parallel()

	v := []float32{1 + 1.0/1024}
	fp16, err := Quantize(v, precision.FP16)
	if err != nil {
		t.Fatalf("fp16: %v", err)
	}
	bf16, err := Quantize(v, precision.BF16)
	if err != nil {
		t.Fatalf("bf16: %v", err)
	}
	if !bytes.Equal(fp16.Data, []byte{0x01, 0x3C}) {
		t.Fatalf("fp16 bits: got %x want 013c", fp16.Data)
	}
	if !bytes.Equal(bf16.Data, []byte{0x80, 0x3F}) {
		t.Fatalf("bf16 bits: got %x want 803f", bf16.Data)
	}
}

func TestQuantizeRejectsNonFinite(t *testing.T) {
	t.Parallel()

	_, err := Quantize([]float32{1, float32(math.NaN())}, precision.Int8)
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
	_, err = Quantize([]float32{float32(math.Inf(1))}, precision.FP32)
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
	_, err = Quantize([]float32{1e6}, precision.FP16)
	if !errors.Is(err, ErrNotRepresentable) {
		t.Fatalf("expected ErrNotRepresentable, got %v", err)
	}
}

func TestDequantizeShortData(t *testing.T) {
	t.Parallel()

	_, err := Dequantize(QuantTensor{Precision: precision.Int4, Count: 5, Scale: 1, Data: []byte{0, 0}})
	if !errors.Is(err, ErrShortData) {
		t.Fatalf("expected ErrShortData, got %v", err)
	}
}

func TestQuantizeBatchKeepsOrder(t *testing.T) {
	t.Parallel()

	batches := [][]float32{
		{0, 1, 2, 3},
		{0, -1},
		{},
		{5, 5, 5, 5, 5},
	}
	got, err := QuantizeBatch(context.Background(), batches, precision.Int4, 2)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(got) != len(batches) {
		t.Fatalf("got %d results", len(got))
	}
	for i, b := range batches {
		want, err := Quantize(b, precision.Int4)
		if err != nil {
			t.Fatalf("quantize %d: %v", i, err)
		}
		if got[i].Count != want.Count || got[i].Scale != want.Scale || !bytes.Equal(got[i].Data, want.Data) {
			t.Fatalf("batch %d mismatch: got %+v want %+v", i, got[i], want)
		}
	}

	_, err = QuantizeBatch(context.Background(), [][]float32{{1}, {float32(math.NaN())}}, precision.Int8, 0)
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite from batch, got %v", err)
	}
}

func TestMaxAbsError(t *testing.T) {
	t.Parallel()

	if got := MaxAbsError([]float32{1, 2, 3}, []float32{1, 2.5, 2}); got != 1 {
		t.Fatalf("got %v want 1", got)
	}
}
