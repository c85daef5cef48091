package accurion

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// rawDataKey is the keyword with its NUL terminator as stored. The keyword is ASCII, so its
// Latin-1 bytes are the string bytes.
var rawDataKey = []byte(RawDataKey + "\x00")

type scanState int

const (
	stateAwaitingHeader scanState = iota
	stateScanning
	stateDone
)

// scanner walks the chunk stream once. It stops either on the raw-data chunk
// or on IEND, in which case the caller has to run the fallback decode.
type scanner struct {
	cr    *chunkReader
	path  string
	state scanState
	info  Info
	raw   *Matrix

	// current chunk, for error context
	tag      string
	chunkOff int64
}

func (s *scanner) run() error {
	if err := s.cr.discardN(signatureSize); err != nil {
		return s.fail("reading signature", err)
	}
	for s.state != stateDone {
		if err := s.next(); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) next() error {
	s.chunkOff = s.cr.off
	s.tag = ""

	length, tag, err := s.cr.readChunkPrefix()
	if err != nil {
		return s.fail("reading chunk prefix", err)
	}
	s.tag = tag
	if length > maxChunkLength {
		return s.formatErr(fmt.Sprintf("chunk length %d out of range", length), nil)
	}

	kind := chunkKindOf(tag)
	if s.state == stateAwaitingHeader && kind != ChunkHeader {
		return s.formatErr("first chunk is not IHDR", nil)
	}

	switch kind {
	case ChunkHeader:
		return s.header(length)
	case ChunkText:
		return s.text(length)
	case ChunkSignificantBits:
		return s.significantBits(length)
	case ChunkEnd:
		s.state = stateDone
		return nil
	default:
		return s.skip(int64(length) + checksumSize)
	}
}

func (s *scanner) header(length uint32) error {
	if s.state != stateAwaitingHeader {
		return s.formatErr("duplicate IHDR", nil)
	}
	if length < ihdrFixedSize {
		return s.formatErr(fmt.Sprintf("IHDR length %d too short", length), nil)
	}

	var buf [ihdrFixedSize]byte
	if err := s.cr.readFull(buf[:]); err != nil {
		return s.fail("reading IHDR", err)
	}
	s.info.Header = Header{
		Width:     binary.BigEndian.Uint32(buf[0:4]),
		Height:    binary.BigEndian.Uint32(buf[4:8]),
		BitDepth:  buf[8],
		ColorType: buf[9],
	}
	if s.info.Width == 0 || s.info.Height == 0 {
		return s.formatErr("zero image dimensions", nil)
	}
	s.info.SignificantBits = s.info.BitDepth
	s.state = stateScanning

	// compression, filter, interlace and the checksum
	return s.skip(int64(length-ihdrFixedSize) + checksumSize)
}

func (s *scanner) text(length uint32) error {
	payload, err := s.cr.readN(int64(length))
	if err != nil {
		return s.fail("reading tEXt payload", err)
	}
	if bytes.HasPrefix(payload, rawDataKey) {
		m, err := s.rawMatrix(payload)
		if err != nil {
			return err
		}
		s.raw = m
		s.info.Raw = true
		s.state = stateDone
	}
	return s.skip(checksumSize)
}

// rawMatrix decodes the big-endian float32 block of a raw-data chunk.
//
// Layout: key and NUL, 12-byte LabVIEW sub-header whose first two bytes are a big-endian
// extra skip, the extra skip, then height*width floats.
func (s *scanner) rawMatrix(payload []byte) (*Matrix, error) {
	off := len(rawDataKey)
	if len(payload) < off+2 {
		return nil, s.formatErr("raw-data sub-header truncated", nil)
	}
	off += rawSubHeaderSize + int(binary.BigEndian.Uint16(payload[off:off+2]))

	want := uint64(s.info.Width) * uint64(s.info.Height) * 4
	if off > len(payload) {
		return nil, s.formatErr(fmt.Sprintf("raw-data offset %d beyond payload of %d bytes", off, len(payload)), nil)
	}
	if got := uint64(len(payload) - off); got != want {
		return nil, s.formatErr(fmt.Sprintf("raw data is %d bytes, want %d for %dx%d",
			got, want, s.info.Width, s.info.Height), nil)
	}

	data := payload[off:]
	m := NewMatrix(int(s.info.Height), int(s.info.Width))
	for i := range m.Pix {
		m.Pix[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
	}
	return m, nil
}

func (s *scanner) significantBits(length uint32) error {
	if s.info.ColorType != colorTypeGrayscale {
		return s.formatErr(fmt.Sprintf("sBIT for color type %d", s.info.ColorType), ErrUnsupported)
	}
	if length == 0 {
		return s.formatErr("empty sBIT", nil)
	}
	b, err := s.cr.readByte()
	if err != nil {
		return s.fail("reading sBIT", err)
	}
	s.info.SignificantBits = b
	return s.skip(int64(length-1) + checksumSize)
}

func (s *scanner) skip(n int64) error {
	if err := s.cr.discardN(n); err != nil {
		return s.fail("skipping chunk data", err)
	}
	return nil
}

func (s *scanner) formatErr(reason string, err error) error {
	return &FormatError{Chunk: s.tag, Offset: s.chunkOff, Reason: reason, Err: err}
}

// fail classifies a read error: running out of data is a parse failure, anything else is I/O.
func (s *scanner) fail(reason string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return s.formatErr(reason, io.ErrUnexpectedEOF)
	}
	return &IOError{Op: "read", Path: s.path, Err: err}
}
