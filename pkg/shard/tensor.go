package shard

import (
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/quant"
)

// Section payload versions.
const (
	ShardInfoVersion  uint32 = 1
	TensorDataVersion uint32 = 1
)

// Info is the JSON metadata stored in the shard info section.
type Info struct {
	NodeID   string `json:"node_id,omitempty"`
	Device   string `json:"device,omitempty"`
	Source   string `json:"source,omitempty"`
	Producer string `json:"producer,omitempty"`
}

// Tensor is a named, shaped quantized tensor.
type Tensor struct {
	Name  string
	Shape []int
	quant.QuantTensor
}

// Validate checks tensors against the shard layout without writing
// anything: unique names, known precisions, data covering Count elements,
// rank and dimensions that fit an index entry.
func Validate(tensors []Tensor) error {
	names := make(map[string]struct{}, len(tensors))
	for _, t := range tensors {
		if _, ok := names[t.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateTensor, t.Name)
		}
		names[t.Name] = struct{}{}

		if !t.Precision.Valid() {
			return fmt.Errorf("shard: tensor %q: %w", t.Name, precision.ErrUnknown)
		}
		if t.Count < 0 || len(t.Data) < t.Precision.PackedLen(t.Count) {
			return fmt.Errorf("shard: tensor %q: %w", t.Name, quant.ErrShortData)
		}
		if len(t.Shape) > MaxRank {
			return fmt.Errorf("shard: tensor %q rank %d exceeds %d", t.Name, len(t.Shape), MaxRank)
		}
		for _, d := range t.Shape {
			if d < 0 || uint64(d) > math.MaxUint32 {
				return fmt.Errorf("shard: tensor %q dim %d out of range", t.Name, d)
			}
		}
		if t.ZeroPoint < math.MinInt32 || t.ZeroPoint > math.MaxInt32 {
			return fmt.Errorf("shard: tensor %q zero point out of range", t.Name)
		}
	}
	return nil
}

// Write stores info and tensors as a complete shard in f. Tensors keep the
// given order; each payload starts on a 64-byte boundary.
func Write(f *os.File, info Info, tensors []Tensor) error {
	if err := Validate(tensors); err != nil {
		return err
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("shard: encode info: %w", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionShardInfo, ShardInfoVersion, meta); err != nil {
		return err
	}

	records := make([]TensorRecord, 0, len(tensors))
	sw, err := w.BeginSection(SectionTensorData, TensorDataVersion)
	if err != nil {
		return err
	}
	for _, t := range tensors {
		off, err := sw.WriteTensor(t.Data)
		if err != nil {
			return err
		}
		records = append(records, TensorRecord{
			Name:      t.Name,
			Precision: t.Precision,
			Shape:     append([]int(nil), t.Shape...),
			Scale:     t.Scale,
			ZeroPoint: t.ZeroPoint,
			Count:     t.Count,
			DataOff:   off,
			DataSize:  uint64(len(t.Data)),
		})
	}
	if err := sw.End(); err != nil {
		return err
	}

	index, err := encodeTensorIndex(records)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, index); err != nil {
		return err
	}
	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		return err
	}
	return w.Finalise()
}

// WriteFile writes a shard to path. Invalid tensors are rejected before the
// file is touched, and a failed write removes the partial file.
func WriteFile(path string, info Info, tensors []Tensor) (err error) {
	if err := Validate(tensors); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return Write(f, info, tensors)
}
