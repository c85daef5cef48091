package accurion

import (
	"image"
	"io"
)

// ChunkKind identifies the chunk types the reader dispatches on.
type ChunkKind int

const (
	ChunkOther ChunkKind = iota
	ChunkHeader
	ChunkText
	ChunkSignificantBits
	ChunkEnd
)

func chunkKindOf(tag string) ChunkKind {
	switch tag {
	case tagIHDR:
		return ChunkHeader
	case tagTEXT:
		return ChunkText
	case tagSBIT:
		return ChunkSignificantBits
	case tagIEND:
		return ChunkEnd
	default:
		return ChunkOther
	}
}

func (k ChunkKind) String() string {
	switch k {
	case ChunkHeader:
		return tagIHDR
	case ChunkText:
		return tagTEXT
	case ChunkSignificantBits:
		return tagSBIT
	case ChunkEnd:
		return tagIEND
	default:
		return "other"
	}
}

// Header holds the IHDR fields the reader needs.
type Header struct {
	Width     uint32
	Height    uint32
	BitDepth  uint8
	ColorType uint8
}

// Info describes how a matrix was obtained.
type Info struct {
	Header
	// SignificantBits is BitDepth unless an sBIT chunk overrides it.
	SignificantBits uint8
	// Raw is true when the matrix came from the private raw-data chunk.
	Raw bool
}

// Shift returns the right shift applied to fallback samples.
func (i Info) Shift() uint8 {
	if i.SignificantBits > 0 && i.SignificantBits < i.BitDepth {
		return i.BitDepth - i.SignificantBits
	}
	return 0
}

// ReadOptions controls image reading.
type ReadOptions struct {
	// Decoder decodes the whole container when the raw-data chunk is absent.
	// Defaults to image.Decode with PNG registered.
	Decoder func(r io.Reader) (image.Image, error)
}

func defaultDecoder(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}
