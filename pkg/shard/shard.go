// Package shard implements the shard container: a single-file,
// memory-mappable archive of packed quantized tensors destined for one node.
//
// Layout: a fixed little-endian header, 8-byte aligned section payloads, and a
// section directory written last. Tensor payloads inside the data section are
// 64-byte aligned.
package shard

import "errors"

// Format constants must never change.
const (
	// Magic is encoded as "MSH\0".
	Magic = "MSH\x00"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	// CurrentMinor may add optional sections.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks every tensor payload as 64-byte aligned.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

const (
	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 8
	tensorAlign  = 64
)

type SectionType uint32

const (
	SectionShardInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0002
	SectionTensorData  SectionType = 0x0003
)

var (
	ErrInvalidMagic     = errors.New("invalid shard magic")
	ErrUnsupportedMajor = errors.New("unsupported shard major version")
	ErrCorruptFile      = errors.New("corrupt shard file")
	ErrTensorNotFound   = errors.New("tensor not found in shard")
	ErrDuplicateTensor  = errors.New("duplicate tensor name")
)

// Header is the fixed file header.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	return string(h.Magic[:]) == Magic && h.HeaderSize >= headerSize && h.SectionCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

// Section is one entry of the section directory.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
