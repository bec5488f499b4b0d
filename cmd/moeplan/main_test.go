package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/moeplan/internal/export"
	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/model"
	"github.com/samcharles93/moeplan/internal/planner"
	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/shard"
)

const runtimeJSON = `{
	"model": {"quantization": {"expertPrecision": "int4"}},
	"cluster": {"nodes": [
		{"id": "gpu-0", "gpu": {"device": "cuda:0", "memory": "1GB"}, "experts": ["expert-*"]},
		{"id": "gpu-1", "gpu": {"device": "cuda:1", "memory": "2MB"}, "experts": ["expert-1"]}
	]},
	"expertRegistry": {"categories": {"general": {"experts": ["expert-0", "expert-1"]}}}
}`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"plan", defaultPlanPath("configs/runtime.json"), "configs/runtime.plan.json"},
		{"plan yaml", defaultPlanPath("runtime.yaml"), "runtime.plan.json"},
		{"plan no ext", defaultPlanPath("runtime"), "runtime.plan.json"},
		{"shard", defaultShardPath("data/w.json", precision.Int4), "data/w.int4.msh"},
		{"shard raw", defaultShardPath("w.f32", precision.BF16), "w.bf16.msh"},
		{"export", defaultExportPath(export.FormatSafetensors), "export_safetensors.json"},
		{"tensor name", tensorName("data/up_proj.json"), "up_proj"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestResolveOut(t *testing.T) {
	t.Parallel()

	t.Run("explicit output wins", func(t *testing.T) {
		outPath := filepath.Join(t.TempDir(), "nested", "plan.json")
		got, err := resolveOut(outPath, "ignored.json")
		if err != nil {
			t.Fatalf("resolveOut returned error: %v", err)
		}
		if got != filepath.Clean(outPath) {
			t.Fatalf("unexpected output path: got %q want %q", got, outPath)
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Fatalf("expected output directory to exist: %v", err)
		}
	})

	t.Run("blank output uses default", func(t *testing.T) {
		def := filepath.Join(t.TempDir(), "a", "b.msh")
		got, err := resolveOut("  ", def)
		if err != nil {
			t.Fatalf("resolveOut returned error: %v", err)
		}
		if got != def {
			t.Fatalf("got %q want %q", got, def)
		}
	})
}

func TestReadValues(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "v.json")
	writeFile(t, jsonPath, []byte(`[1.5, -2, 0]`))
	got, err := readValues(jsonPath)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff([]float32{1.5, -2, 0}, got); diff != "" {
		t.Fatalf("json values (-want +got):\n%s", diff)
	}

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-3))
	rawPath := filepath.Join(dir, "v.f32")
	writeFile(t, rawPath, raw)
	got, err = readValues(rawPath)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if diff := cmp.Diff([]float32{0.25, -3}, got); diff != "" {
		t.Fatalf("raw values (-want +got):\n%s", diff)
	}

	badRaw := filepath.Join(dir, "bad.f32")
	writeFile(t, badRaw, []byte{1, 2, 3})
	if _, err := readValues(badRaw); err == nil {
		t.Fatal("expected error for truncated raw input")
	}

	badJSON := filepath.Join(dir, "bad.json")
	writeFile(t, badJSON, []byte(`{"a":1}`))
	if _, err := readValues(badJSON); err == nil {
		t.Fatal("expected error for non-array json")
	}

	if _, err := readValues(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildPlanIsReproducible(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "runtime.json")
	writeFile(t, cfgPath, []byte(runtimeJSON))

	ctx := logger.WithContext(context.Background(), logger.Discard())
	opts := planner.Options{Logger: logger.Discard()}

	first := filepath.Join(dir, "a.plan.json")
	plan, err := buildPlan(ctx, cfgPath, first, opts)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	opts.Workers = 1
	second := filepath.Join(dir, "b.plan.json")
	if _, err := buildPlan(ctx, cfgPath, second, opts); err != nil {
		t.Fatalf("buildPlan: %v", err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Fatal("plan output differs between runs")
	}

	f, err := os.Open(first)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := planner.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(plan, decoded); diff != "" {
		t.Fatalf("written plan mismatch (-built +decoded):\n%s", diff)
	}

	nodes := decoded.Cluster.Nodes
	if len(nodes) != 2 || nodes[0].MemoryUsedBytes != 3145728 || nodes[1].MemoryUsedBytes != 1572864 {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
	if len(decoded.Experts) != 3 {
		t.Fatalf("expected 3 expert assignments, got %d", len(decoded.Experts))
	}

	var buf bytes.Buffer
	printPlanSummary(&buf, plan)
	out := buf.String()
	for _, want := range []string{"gpu-0", "cuda:1", "3.00 MB", "int4"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestBuildPlanRejectsOverBudget(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "runtime.json")
	writeFile(t, cfgPath, []byte(strings.Replace(runtimeJSON, "1GB", "1MB", 1)))

	opts := planner.Options{Policy: planner.BudgetReject, Logger: logger.Discard()}
	out := filepath.Join(dir, "plan.json")
	if _, err := buildPlan(context.Background(), cfgPath, out, opts); err == nil {
		t.Fatal("expected over-budget error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("plan should not be written on failure, stat err=%v", err)
	}
}

func TestQuantizeInspectRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	upPath := filepath.Join(dir, "up_proj.json")
	writeFile(t, upPath, []byte(`[-1, 0, 0.5, 1, 2, 3, 4]`))
	downPath := filepath.Join(dir, "down_proj.json")
	writeFile(t, downPath, []byte(`[0.1, 0.2, 0.3]`))
	out := filepath.Join(dir, "node.msh")

	ctx := logger.WithContext(context.Background(), logger.Discard())
	err := runQuantize(ctx, quantizeOptions{
		Inputs:    []string{upPath, downPath},
		Output:    out,
		Precision: precision.Int4,
		NodeID:    "gpu-0",
		Device:    "cuda:0",
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("runQuantize: %v", err)
	}

	f, err := shard.Open(out)
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	records, err := f.Tensors()
	_ = f.Close()
	if err != nil {
		t.Fatalf("tensors: %v", err)
	}
	if len(records) != 2 || records[0].Name != "up_proj" || records[1].Name != "down_proj" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Count != 7 || records[0].DataSize != 4 {
		t.Fatalf("up_proj record: %+v", records[0])
	}

	var buf bytes.Buffer
	if err := inspectShard(&buf, out, []string{upPath}); err != nil {
		t.Fatalf("inspectShard: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"gpu-0 (cuda:0)", "up_proj", "down_proj", "int4", "[7]", "tensors:  2"} {
		if !strings.Contains(text, want) {
			t.Errorf("inspect output missing %q:\n%s", want, text)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "up_proj") && strings.HasSuffix(line, "-"):
			t.Errorf("up_proj should report an error value: %q", line)
		case strings.HasPrefix(line, "down_proj") && !strings.HasSuffix(line, "-"):
			t.Errorf("down_proj has no source: %q", line)
		}
	}
}

func TestQuantizeRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "w.json")
	writeFile(t, a, []byte(`[1]`))
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	b := filepath.Join(sub, "w.json")
	writeFile(t, b, []byte(`[2]`))

	err := runQuantize(context.Background(), quantizeOptions{
		Inputs:    []string{a, b},
		Output:    filepath.Join(dir, "out.msh"),
		Precision: precision.Int8,
	})
	if err == nil || !strings.Contains(err.Error(), "both map to tensor") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestInspectSourceLengthMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "w.json")
	writeFile(t, src, []byte(`[1, 2, 3]`))
	out := filepath.Join(dir, "w.msh")
	err := runQuantize(context.Background(), quantizeOptions{
		Inputs:    []string{src},
		Output:    out,
		Precision: precision.Int8,
	})
	if err != nil {
		t.Fatalf("runQuantize: %v", err)
	}

	other := filepath.Join(t.TempDir(), "w.json")
	writeFile(t, other, []byte(`[1, 2]`))
	if err := inspectShard(&bytes.Buffer{}, out, []string{other}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestWriteExport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.TotalExperts = 2

	onnxPath := filepath.Join(dir, "export_onnx.json")
	if err := writeExport(onnxPath, export.FormatONNX, cfg); err != nil {
		t.Fatalf("onnx: %v", err)
	}
	var onnx export.ONNXConfig
	data, _ := os.ReadFile(onnxPath)
	if err := json.Unmarshal(data, &onnx); err != nil {
		t.Fatalf("decode onnx: %v", err)
	}
	if onnx.TotalExperts != 2 || onnx.OpsetVersion == 0 {
		t.Fatalf("unexpected onnx config: %+v", onnx)
	}

	stPath := filepath.Join(dir, "export_safetensors.json")
	if err := writeExport(stPath, export.FormatSafetensors, cfg); err != nil {
		t.Fatalf("safetensors: %v", err)
	}
	var st export.SafetensorsManifest
	data, _ = os.ReadFile(stPath)
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode safetensors: %v", err)
	}
	if len(st.Tensors) == 0 || st.DataSize == 0 {
		t.Fatalf("unexpected manifest: %+v", st)
	}
}

func TestPrintModelInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printModelInfo(&buf, model.DefaultConfig())
	out := buf.String()
	for _, want := range []string{"Experts", "Expert precision", "Per expert", "Router", "Total"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfigFrom(t *testing.T) {
	t.Parallel()

	t.Run("reads fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, path, []byte("log_level: debug\nbudget_policy: warn\nworkers: 3\nserver_address: 0.0.0.0:9000\n"))
		cfg := loadConfigFrom(path)
		if cfg.LogLevel != "debug" || cfg.BudgetPolicy != "warn" || cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.Workers == nil || *cfg.Workers != 3 {
			t.Fatalf("workers: %v", cfg.Workers)
		}
	})

	t.Run("missing file is zero", func(t *testing.T) {
		cfg := loadConfigFrom(filepath.Join(t.TempDir(), "nope.yaml"))
		if diff := cmp.Diff(Config{}, cfg); diff != "" {
			t.Fatalf("expected zero config (-want +got):\n%s", diff)
		}
	})

	t.Run("malformed file is zero", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, path, []byte("log_level: [unterminated\n"))
		if diff := cmp.Diff(Config{}, loadConfigFrom(path)); diff != "" {
			t.Fatalf("expected zero config (-want +got):\n%s", diff)
		}
	})
}

func TestQuantizeSafetensorsInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	values := []float32{-1, -0.5, 0, 0.5, 1, 1.5}
	body := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(v))
	}
	header := []byte(`{"__metadata__":{"format":"pt"},"experts.0.up_proj":{"dtype":"F32","shape":[2,3],"data_offsets":[0,24]}}`)
	buf := make([]byte, 8, 8+len(header)+len(body))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(append(buf, header...), body...)
	src := filepath.Join(dir, "model.safetensors")
	writeFile(t, src, buf)

	out := filepath.Join(dir, "model.int8.msh")
	err := runQuantize(context.Background(), quantizeOptions{
		Inputs:    []string{src},
		Output:    out,
		Precision: precision.Int8,
	})
	if err != nil {
		t.Fatalf("runQuantize: %v", err)
	}

	f, err := shard.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	tensor, err := f.Tensor("experts.0.up_proj")
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, tensor.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if tensor.Count != 6 || tensor.Precision != precision.Int8 {
		t.Fatalf("unexpected tensor: %+v", tensor.QuantTensor)
	}

	var report bytes.Buffer
	if err := inspectShard(&report, out, []string{src}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(report.String(), "[2, 3]") {
		t.Fatalf("inspect output missing shape:\n%s", report.String())
	}
}
