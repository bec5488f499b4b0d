package shard

import (
	"encoding/binary"
	"os"
)

func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < headerSize {
		return false
	}
	le := binary.LittleEndian
	copy(dst[0:4], h.Magic[:])
	le.PutUint16(dst[4:6], h.Major)
	le.PutUint16(dst[6:8], h.Minor)
	le.PutUint32(dst[8:12], h.HeaderSize)
	le.PutUint32(dst[12:16], h.SectionCount)
	le.PutUint64(dst[16:24], h.SectionDirOffset)
	le.PutUint64(dst[24:32], h.FileSize)
	le.PutUint64(dst[32:40], h.Flags)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	if len(src) < headerSize {
		return Header{}, false
	}
	le := binary.LittleEndian
	var h Header
	copy(h.Magic[:], src[0:4])
	h.Major = le.Uint16(src[4:6])
	h.Minor = le.Uint16(src[6:8])
	h.HeaderSize = le.Uint32(src[8:12])
	h.SectionCount = le.Uint32(src[12:16])
	h.SectionDirOffset = le.Uint64(src[16:24])
	h.FileSize = le.Uint64(src[24:32])
	h.Flags = le.Uint64(src[32:40])
	return h, true
}

func encodeSection(dst []byte, s Section) bool {
	if len(dst) < sectionSize {
		return false
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], s.Type)
	le.PutUint32(dst[4:8], s.Version)
	le.PutUint64(dst[8:16], s.Offset)
	le.PutUint64(dst[16:24], s.Size)
	return true
}

func decodeSection(src []byte) (Section, bool) {
	if len(src) < sectionSize {
		return Section{}, false
	}
	le := binary.LittleEndian
	return Section{
		Type:    le.Uint32(src[0:4]),
		Version: le.Uint32(src[4:8]),
		Offset:  le.Uint64(src[8:16]),
		Size:    le.Uint64(src[16:24]),
	}, true
}

// half-open ranges [a0,a1) and [b0,b1)
func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
