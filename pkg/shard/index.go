package shard

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/moeplan/pkg/precision"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

// MaxRank is the largest tensor rank an index entry can describe.
const MaxRank = 4

const (
	indexHeaderSize = 24
	indexEntrySize  = 64
)

// TensorRecord describes one tensor stored in the data section.
//
// On disk an entry is 64 bytes, little-endian:
//
//	0  NameOff   u32   into the strings table
//	4  NameLen   u32
//	8  Precision u8
//	9  Rank      u8
//	10 reserved  u16
//	12 ZeroPoint i32
//	16 Scale     f64
//	24 Count     u64
//	32 DataOff   u64   absolute file offset
//	40 DataSize  u64
//	48 Dims      [4]u32
type TensorRecord struct {
	Name      string
	Precision precision.Kind
	Shape     []int
	Scale     float64
	ZeroPoint int
	Count     int

	DataOff  uint64
	DataSize uint64
}

// encodeTensorIndex lays out the header, fixed-size entries and the name
// strings table.
func encodeTensorIndex(records []TensorRecord) ([]byte, error) {
	var strSize int
	for _, r := range records {
		strSize += len(r.Name)
	}
	stringsOff := indexHeaderSize + len(records)*indexEntrySize
	buf := make([]byte, stringsOff+strSize)

	le := binary.LittleEndian
	le.PutUint32(buf[0:4], TensorIndexVersion)
	le.PutUint32(buf[4:8], uint32(len(records)))
	le.PutUint64(buf[8:16], uint64(stringsOff))
	le.PutUint64(buf[16:24], uint64(strSize))

	nameOff := 0
	for i, r := range records {
		if len(r.Shape) > MaxRank {
			return nil, fmt.Errorf("shard: tensor %q rank %d exceeds %d", r.Name, len(r.Shape), MaxRank)
		}
		if !r.Precision.Valid() {
			return nil, fmt.Errorf("shard: tensor %q: %w", r.Name, precision.ErrUnknown)
		}
		if r.ZeroPoint < math.MinInt32 || r.ZeroPoint > math.MaxInt32 {
			return nil, fmt.Errorf("shard: tensor %q zero point out of range", r.Name)
		}
		e := buf[indexHeaderSize+i*indexEntrySize:]
		le.PutUint32(e[0:4], uint32(nameOff))
		le.PutUint32(e[4:8], uint32(len(r.Name)))
		e[8] = byte(r.Precision)
		e[9] = byte(len(r.Shape))
		le.PutUint32(e[12:16], uint32(int32(r.ZeroPoint)))
		le.PutUint64(e[16:24], math.Float64bits(r.Scale))
		le.PutUint64(e[24:32], uint64(r.Count))
		le.PutUint64(e[32:40], r.DataOff)
		le.PutUint64(e[40:48], r.DataSize)
		for d, dim := range r.Shape {
			if dim < 0 || uint64(dim) > math.MaxUint32 {
				return nil, fmt.Errorf("shard: tensor %q dim %d out of range", r.Name, dim)
			}
			le.PutUint32(e[48+4*d:52+4*d], uint32(dim))
		}
		copy(buf[stringsOff+nameOff:], r.Name)
		nameOff += len(r.Name)
	}
	return buf, nil
}

// decodeTensorIndex validates a tensor index payload against the file size.
func decodeTensorIndex(sec []byte, fileSize uint64) ([]TensorRecord, error) {
	if len(sec) < indexHeaderSize {
		return nil, ErrCorruptFile
	}
	le := binary.LittleEndian
	if v := le.Uint32(sec[0:4]); v != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index version %d", ErrCorruptFile, v)
	}
	count := uint64(le.Uint32(sec[4:8]))
	stringsOff := le.Uint64(sec[8:16])
	stringsSize := le.Uint64(sec[16:24])

	secLen := uint64(len(sec))
	if indexHeaderSize+count*indexEntrySize > stringsOff ||
		stringsOff > secLen || stringsSize > secLen-stringsOff {
		return nil, fmt.Errorf("%w: tensor index tables out of range", ErrCorruptFile)
	}
	names := sec[stringsOff : stringsOff+stringsSize]

	out := make([]TensorRecord, 0, count)
	for i := range count {
		e := sec[indexHeaderSize+i*indexEntrySize:]
		nameOff := uint64(le.Uint32(e[0:4]))
		nameLen := uint64(le.Uint32(e[4:8]))
		if nameOff+nameLen > stringsSize {
			return nil, fmt.Errorf("%w: tensor %d name out of range", ErrCorruptFile, i)
		}
		p := precision.Kind(e[8])
		rank := int(e[9])
		if !p.Valid() || rank > MaxRank {
			return nil, fmt.Errorf("%w: tensor %d header", ErrCorruptFile, i)
		}
		r := TensorRecord{
			Name:      string(names[nameOff : nameOff+nameLen]),
			Precision: p,
			Shape:     make([]int, rank),
			ZeroPoint: int(int32(le.Uint32(e[12:16]))),
			Scale:     math.Float64frombits(le.Uint64(e[16:24])),
			DataOff:   le.Uint64(e[32:40]),
			DataSize:  le.Uint64(e[40:48]),
		}
		n := le.Uint64(e[24:32])
		if n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: tensor %q element count", ErrCorruptFile, r.Name)
		}
		r.Count = int(n)
		for d := range rank {
			r.Shape[d] = int(le.Uint32(e[48+4*d : 52+4*d]))
		}
		end := r.DataOff + r.DataSize
		if end < r.DataOff || end > fileSize {
			return nil, fmt.Errorf("%w: tensor %q data out of bounds", ErrCorruptFile, r.Name)
		}
		if r.DataSize < uint64(p.PackedLen(r.Count)) {
			return nil, fmt.Errorf("%w: tensor %q data shorter than %d elements", ErrCorruptFile, r.Name, r.Count)
		}
		out = append(out, r)
	}
	return out, nil
}
