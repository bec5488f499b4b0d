// Package export renders model layouts into manifest formats understood by
// external tooling. It only formats data; all sizing comes from the model
// and tensor packages.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/tensor"
)

// ErrUnknownFormat is returned for export formats other than safetensors
// and onnx.
var ErrUnknownFormat = errors.New("unknown export format")

type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatONNX        Format = "onnx"
)

// Formats lists the supported formats.
func Formats() []Format { return []Format{FormatONNX, FormatSafetensors} }

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSafetensors, FormatONNX:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ManifestFormat tags manifests written by this package.
const (
	ManifestFormat  = "moeplan-atomic"
	ManifestVersion = "1.0"
)

type Metadata struct {
	Format          string         `json:"format"`
	Version         string         `json:"version"`
	TotalExperts    int            `json:"total_experts"`
	ActiveExperts   int            `json:"active_experts"`
	ExpertPrecision precision.Kind `json:"expert_precision"`
}

// TensorEntry locates one tensor in the data region. Offsets are relative to
// the start of the data region and half-open.
type TensorEntry struct {
	DType       precision.Kind `json:"dtype"`
	Shape       []int          `json:"shape"`
	DataOffsets [2]uint64      `json:"data_offsets"`
}

type SafetensorsManifest struct {
	Metadata Metadata               `json:"__metadata__"`
	Tensors  map[string]TensorEntry `json:"tensors"`
	// DataSize is the total byte length of the data region.
	DataSize uint64 `json:"data_size"`
}

// Safetensors lays out every expert tensor back to back in expert order.
func Safetensors(cfg model.Config, experts []tensor.Expert) *SafetensorsManifest {
	m := &SafetensorsManifest{
		Metadata: Metadata{
			Format:          ManifestFormat,
			Version:         ManifestVersion,
			TotalExperts:    cfg.TotalExperts,
			ActiveExperts:   cfg.ActiveExperts,
			ExpertPrecision: cfg.ExpertPrecision,
		},
		Tensors: make(map[string]TensorEntry, 3*len(experts)),
	}
	var off uint64
	for _, e := range experts {
		for _, s := range e.Tensors() {
			size := s.SizeBytes()
			m.Tensors[s.Name] = TensorEntry{
				DType:       s.Precision,
				Shape:       append([]int{}, s.Shape...),
				DataOffsets: [2]uint64{off, off + size},
			}
			off += size
		}
	}
	m.DataSize = off
	return m
}

type CustomOp struct {
	Name    string `json:"name"`
	Domain  string `json:"domain"`
	Version int    `json:"version"`
}

// ONNXConfig holds the export settings for an ONNX conversion of the model.
type ONNXConfig struct {
	OpsetVersion      int                       `json:"opset_version"`
	ExportParams      bool                      `json:"export_params"`
	DoConstantFolding bool                      `json:"do_constant_folding"`
	InputNames        []string                  `json:"input_names"`
	OutputNames       []string                  `json:"output_names"`
	DynamicAxes       map[string]map[int]string `json:"dynamic_axes"`
	CustomOps         []CustomOp                `json:"custom_ops"`
	ActiveExperts     int                       `json:"active_experts"`
	TotalExperts      int                       `json:"total_experts"`
}

const customOpDomain = "moeplan.atomic"

func ONNX(cfg model.Config) *ONNXConfig {
	batchSeq := map[int]string{0: "batch_size", 1: "sequence_length"}
	return &ONNXConfig{
		OpsetVersion:      17,
		ExportParams:      true,
		DoConstantFolding: true,
		InputNames:        []string{"input_ids", "attention_mask"},
		OutputNames:       []string{"logits", "expert_indices"},
		DynamicAxes: map[string]map[int]string{
			"input_ids":      batchSeq,
			"attention_mask": batchSeq,
			"logits":         batchSeq,
		},
		CustomOps: []CustomOp{
			{Name: "TopKRouter", Domain: customOpDomain, Version: 1},
			{Name: "SparseExpertDispatch", Domain: customOpDomain, Version: 1},
		},
		ActiveExperts: cfg.ActiveExperts,
		TotalExperts:  cfg.TotalExperts,
	}
}

// Render builds the manifest for format. Safetensors manifests cover
// experts expert-0 .. expert-(TotalExperts-1).
func Render(format Format, cfg model.Config) (any, error) {
	switch format {
	case FormatSafetensors:
		ids := model.SyntheticExpertIDs(cfg.TotalExperts)
		return Safetensors(cfg, model.BuildExperts(ids, cfg)), nil
	case FormatONNX:
		return ONNX(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
	}
}

// Write encodes v as indented JSON. Map keys are sorted.
func Write(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
