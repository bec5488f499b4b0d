package export

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/pkg/precision"
)

func TestSafetensorsOffsetsAreContiguous(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.ExpertPrecision = precision.Int4
	experts := model.BuildExperts([]string{"a", "b"}, cfg)
	m := Safetensors(cfg, experts)

	if len(m.Tensors) != 6 {
		t.Fatalf("tensors: got %d want 6", len(m.Tensors))
	}
	order := []string{"a.up_proj", "a.down_proj", "a.gate_proj", "b.up_proj", "b.down_proj", "b.gate_proj"}
	var off uint64
	for _, name := range order {
		e, ok := m.Tensors[name]
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if e.DataOffsets[0] != off {
			t.Fatalf("%s starts at %d, want %d", name, e.DataOffsets[0], off)
		}
		if e.DataOffsets[1]-e.DataOffsets[0] != 524288 {
			t.Fatalf("%s size: got %d", name, e.DataOffsets[1]-e.DataOffsets[0])
		}
		if e.DType != precision.Int4 {
			t.Fatalf("%s dtype: got %s", name, e.DType)
		}
		off = e.DataOffsets[1]
	}
	if m.DataSize != off || m.DataSize != 2*1572864 {
		t.Fatalf("data size: got %d", m.DataSize)
	}
	if m.Metadata.TotalExperts != 108 || m.Metadata.Format != ManifestFormat {
		t.Fatalf("metadata: %+v", m.Metadata)
	}
}

func TestONNX(t *testing.T) {
	t.Parallel()

	c := ONNX(model.DefaultConfig())
	if c.OpsetVersion != 17 || !c.ExportParams || !c.DoConstantFolding {
		t.Fatalf("unexpected settings: %+v", c)
	}
	if diff := cmp.Diff([]string{"input_ids", "attention_mask"}, c.InputNames); diff != "" {
		t.Fatalf("inputs (-want +got):\n%s", diff)
	}
	if c.DynamicAxes["logits"][1] != "sequence_length" {
		t.Fatalf("dynamic axes: %+v", c.DynamicAxes)
	}

	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), `"0": "batch_size"`) {
		t.Fatalf("expected string axis keys, got:\n%s", buf.String())
	}
}

func TestRenderAndParseFormat(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.TotalExperts = 3
	cfg.ActiveExperts = 1

	f, err := ParseFormat(" SafeTensors ")
	if err != nil {
		t.Fatalf("ParseFormat: %v", err)
	}
	v, err := Render(f, cfg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	m, ok := v.(*SafetensorsManifest)
	if !ok {
		t.Fatalf("got %T", v)
	}
	if _, ok := m.Tensors["expert-2.gate_proj"]; !ok || len(m.Tensors) != 9 {
		t.Fatalf("unexpected tensors: %d", len(m.Tensors))
	}

	if _, err := ParseFormat("gguf"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("got %v, want ErrUnknownFormat", err)
	}
	if _, err := Render(Format("gguf"), cfg); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("got %v, want ErrUnknownFormat", err)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultConfig()
	cfg.TotalExperts = 8
	cfg.ActiveExperts = 2
	var a, b bytes.Buffer
	for _, buf := range []*bytes.Buffer{&a, &b} {
		v, err := Render(FormatSafetensors, cfg)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		if err := Write(buf, v); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("manifest output is not deterministic")
	}
}
