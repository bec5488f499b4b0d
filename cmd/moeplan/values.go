package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/moeplan/internal/safetensors"
)

// inputTensor is one float tensor loaded from an input file.
type inputTensor struct {
	Name   string
	Shape  []int
	Values []float32
	Source string
}

// loadInputs reads every input. A .safetensors file contributes all of its
// tensors under their own names; other files contribute one tensor named
// after the file. Names must be unique across inputs.
func loadInputs(paths []string) ([]inputTensor, error) {
	var out []inputTensor
	seen := make(map[string]string)
	add := func(t inputTensor) error {
		if prev, ok := seen[t.Name]; ok {
			return fmt.Errorf("inputs %q and %q both map to tensor %q", prev, t.Source, t.Name)
		}
		seen[t.Name] = t.Source
		out = append(out, t)
		return nil
	}

	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ".safetensors") {
			tensors, err := readSafetensors(path)
			if err != nil {
				return nil, err
			}
			for _, t := range tensors {
				if err := add(t); err != nil {
					return nil, err
				}
			}
			continue
		}
		values, err := readValues(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := add(inputTensor{
			Name:   tensorName(path),
			Shape:  []int{len(values)},
			Values: values,
			Source: path,
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readSafetensors(path string) ([]inputTensor, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var out []inputTensor
	for _, t := range f.Tensors() {
		values, _, err := f.ReadFloat32(t.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		shape := t.Shape
		if len(shape) == 0 {
			shape = []int{len(values)}
		}
		out = append(out, inputTensor{Name: t.Name, Shape: shape, Values: values, Source: path})
	}
	return out, nil
}

// readValues loads a float32 tensor from path. Files ending in .json hold a
// JSON array of numbers; anything else is raw little-endian float32.
func readValues(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decodeJSONValues(data)
	}
	return decodeRawValues(data)
}

func decodeJSONValues(data []byte) ([]float32, error) {
	var values []float32
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	if values == nil {
		values = []float32{}
	}
	return values, nil
}

func decodeRawValues(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("raw float32 input has %d bytes, not a multiple of 4", len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values, nil
}
