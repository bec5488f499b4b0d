// Package safetensors reads float tensors out of .safetensors files so they
// can be quantized.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// maxHeaderLen bounds the JSON header read from untrusted files.
const maxHeaderLen = 100 << 20

var (
	ErrInvalidHeader    = errors.New("safetensors: invalid header")
	ErrTensorNotFound   = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

// Tensor is one header entry. Begin and End are relative to the start of
// the data region.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Begin uint64
	End   uint64
}

type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string

	tensors []Tensor
	byName  map[string]int
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets []uint64 `json:"data_offsets"`
}

// Open parses the header of path and validates every tensor's offsets
// against the file size.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read length: %v", ErrInvalidHeader, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderLen || headerLen > uint64(st.Size())-8 {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		byName:    make(map[string]int, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
		}
		delete(raw, "__metadata__")
	}

	dataLen := uint64(st.Size()) - 8 - headerLen
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > dataLen {
			return nil, fmt.Errorf("%w: tensor %s: bad data_offsets %v", ErrInvalidHeader, name, th.DataOffsets)
		}
		out.tensors = append(out.tensors, Tensor{
			Name:  name,
			DType: th.DType,
			Shape: th.Shape,
			Begin: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		})
	}

	// File order, so callers see tensors as they were written.
	sort.Slice(out.tensors, func(i, j int) bool {
		a, b := out.tensors[i], out.tensors[j]
		if a.Begin != b.Begin {
			return a.Begin < b.Begin
		}
		return a.Name < b.Name
	})
	for i, t := range out.tensors {
		out.byName[t.Name] = i
	}
	return out, nil
}

// Tensors lists header entries in data order.
func (f *File) Tensors() []Tensor {
	return append([]Tensor(nil), f.tensors...)
}

func (f *File) Lookup(name string) (Tensor, bool) {
	i, ok := f.byName[name]
	if !ok {
		return Tensor{}, false
	}
	return f.tensors[i], true
}

// ReadFloat32 reads tensor name and widens F32, F16 or BF16 data to float32.
func (f *File) ReadFloat32(name string) ([]float32, Tensor, error) {
	t, ok := f.Lookup(name)
	if !ok {
		return nil, Tensor{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	n, err := elementCount(t.Shape)
	if err != nil {
		return nil, Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}

	raw := make([]byte, t.End-t.Begin)
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, Tensor{}, err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.ReadAt(raw, f.DataStart+int64(t.Begin)); err != nil {
		return nil, Tensor{}, fmt.Errorf("read tensor %s: %w", name, err)
	}

	values, err := decode(raw, t.DType, n)
	if err != nil {
		return nil, Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return values, t, nil
}

func decode(raw []byte, dtype string, n int) ([]float32, error) {
	width := 0
	switch dtype {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDType, dtype)
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%s data is %d bytes, want %d", dtype, len(raw), n*width)
	}

	switch dtype {
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	case "F16":
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	default:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	}
}

// elementCount multiplies shape out. A scalar has one element.
func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > math.MaxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}
