package shard

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/moeplan/pkg/quant"
)

// File is an opened shard. Section and tensor slices alias Data and must
// not be retained after Close.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

// Open maps a shard read-only and validates its structure, falling back to
// ReadAt when mmap is unavailable.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, perr := parseFileData(data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return sf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a shard without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	size := uint64(len(data))
	if hdr.FileSize != size || uint64(hdr.HeaderSize) > size {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > size {
		return nil, ErrCorruptFile
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*sectionSize
		sec, ok := decodeSection(data[start : start+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		sections[i] = sec
	}

	for i := range sections {
		s := &sections[i]
		end := s.End()
		switch {
		case end < s.Offset:
			return nil, fmt.Errorf("%w: section %d offset overflow", ErrCorruptFile, i)
		case end > size:
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptFile, i)
		case s.Offset < uint64(hdr.HeaderSize):
			return nil, fmt.Errorf("%w: section %d overlaps header", ErrCorruptFile, i)
		case rangesOverlap(s.Offset, end, dirStart, dirEnd):
			return nil, fmt.Errorf("%w: section %d overlaps section directory", ErrCorruptFile, i)
		case s.Offset%sectionAlign != 0:
			return nil, fmt.Errorf("%w: section %d offset not %d-byte aligned", ErrCorruptFile, i, sectionAlign)
		}
	}

	return &File{Data: data, Header: &hdr, Sections: sections, mmapped: mmapped}, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.Data != nil && f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}

// Section returns the first section of type t, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy view of the section payload.
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.End()
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[s.Offset:end]
}

// Info decodes the shard info section.
func (f *File) Info() (Info, error) {
	var info Info
	s := f.Section(SectionShardInfo)
	if s == nil {
		return info, fmt.Errorf("%w: missing shard info section", ErrCorruptFile)
	}
	if err := json.Unmarshal(f.SectionData(s), &info); err != nil {
		return info, fmt.Errorf("%w: shard info: %v", ErrCorruptFile, err)
	}
	return info, nil
}

// Tensors decodes the tensor index in stored order.
func (f *File) Tensors() ([]TensorRecord, error) {
	s := f.Section(SectionTensorIndex)
	if s == nil {
		return nil, fmt.Errorf("%w: missing tensor index section", ErrCorruptFile)
	}
	return decodeTensorIndex(f.SectionData(s), uint64(len(f.Data)))
}

// TensorData returns the packed bytes of r without copying.
func (f *File) TensorData(r TensorRecord) []byte {
	end := r.DataOff + r.DataSize
	if f == nil || end < r.DataOff || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[r.DataOff:end]
}

// Tensor looks up a tensor by name and returns it as a quantized tensor
// whose Data aliases the file.
func (f *File) Tensor(name string) (Tensor, error) {
	records, err := f.Tensors()
	if err != nil {
		return Tensor{}, err
	}
	for _, r := range records {
		if r.Name != name {
			continue
		}
		data := f.TensorData(r)
		return Tensor{
			Name:  r.Name,
			Shape: r.Shape,
			QuantTensor: quant.QuantTensor{
				Precision: r.Precision,
				Count:     r.Count,
				Scale:     r.Scale,
				ZeroPoint: r.ZeroPoint,
				Data:      data[:r.Precision.PackedLen(r.Count)],
			},
		}, nil
	}
	return Tensor{}, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
}
