package shard

import (
	"errors"
	"io"
	"os"
	"sort"
)

var (
	errFinalised    = errors.New("shard: writer already finalised")
	errSectionOpen  = errors.New("shard: section write in progress")
	errDuplicate    = errors.New("shard: duplicate section type")
	errSectionEnded = errors.New("shard: section writer ended")
)

// zeros backs all padding; no pad is longer than tensorAlign-1 bytes except
// the reserved header.
var zeros [tensorAlign]byte

// Writer lays out a shard front to back: reserved header, section payloads,
// then the section directory. Finalise patches the header. A Writer is not
// safe for concurrent use.
type Writer struct {
	f        *os.File
	pos      int64
	sections []Section
	open     *SectionWriter
	flags    uint64
	done     bool
}

// NewWriter truncates f and reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("shard: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f}
	if err := w.write(zeros[:headerSize]); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(p []byte) error {
	if err := writeFull(w.f, p); err != nil {
		return err
	}
	w.pos += int64(len(p))
	return nil
}

// pad advances to the next multiple of align.
func (w *Writer) pad(align int64) error {
	n := (align - w.pos%align) % align
	return w.write(zeros[:n])
}

// begin checks that a section of typ may start and aligns the position for it.
func (w *Writer) begin(typ SectionType) error {
	switch {
	case w.done:
		return errFinalised
	case w.open != nil:
		return errSectionOpen
	}
	for _, s := range w.sections {
		if SectionType(s.Type) == typ {
			return errDuplicate
		}
	}
	return w.pad(sectionAlign)
}

// WriteSection writes a whole section payload. Each type may appear once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if err := w.begin(typ); err != nil {
		return err
	}
	start := w.pos
	if err := w.write(data); err != nil {
		return err
	}
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(start),
		Size:    uint64(len(data)),
	})
	return nil
}

// BeginSection opens a section that is filled incrementally. No other
// section may start until it is ended.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	if err := w.begin(typ); err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, typ: typ, version: version, start: w.pos}
	w.open = sw
	return sw, nil
}

// AddFlags ORs flags into the header flags.
func (w *Writer) AddFlags(flags uint64) error {
	if w.done {
		return errFinalised
	}
	w.flags |= flags
	return nil
}

// Finalise writes the directory, sorted by section type, and the header.
func (w *Writer) Finalise() error {
	switch {
	case w.done:
		return errFinalised
	case w.open != nil:
		return errSectionOpen
	}
	w.done = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})
	if err := w.pad(sectionAlign); err != nil {
		return err
	}
	dirOffset := w.pos
	var entry [sectionSize]byte
	for _, s := range w.sections {
		encodeSection(entry[:], s)
		if err := w.write(entry[:]); err != nil {
			return err
		}
	}

	h := Header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       headerSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOffset),
		FileSize:         uint64(w.pos),
		Flags:            w.flags,
	}
	copy(h.Magic[:], Magic)
	var hdr [headerSize]byte
	encodeHeader(hdr[:], h)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

// SectionWriter fills the section opened by BeginSection.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

func (sw *SectionWriter) Write(p []byte) (int, error) {
	if sw.ended {
		return 0, errSectionEnded
	}
	if err := sw.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteTensor pads to the next 64-byte boundary, writes data and returns
// the absolute offset it landed at.
func (sw *SectionWriter) WriteTensor(data []byte) (uint64, error) {
	if sw.ended {
		return 0, errSectionEnded
	}
	if err := sw.w.pad(tensorAlign); err != nil {
		return 0, err
	}
	off := uint64(sw.w.pos)
	if err := sw.w.write(data); err != nil {
		return 0, err
	}
	return off, nil
}

// End records the section in the directory.
func (sw *SectionWriter) End() error {
	if sw.ended {
		return errSectionEnded
	}
	sw.ended = true
	sw.w.open = nil
	sw.w.sections = append(sw.w.sections, Section{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(sw.w.pos - sw.start),
	})
	return nil
}
