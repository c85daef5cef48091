package accurion

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const exrMagic = 20000630

// EXRCompression selects the OpenEXR block compression.
type EXRCompression byte

const (
	EXRCompressionNone EXRCompression = 0
	EXRCompressionZips EXRCompression = 2
	EXRCompressionZip  EXRCompression = 3
)

const (
	exrPixelUint  = 0
	exrPixelHalf  = 1
	exrPixelFloat = 2
)

// exrChannelName is the luminance channel matrices are written to.
const exrChannelName = "Y"

type exrChannel struct {
	name      string
	pixelType int32
	xSampling int32
	ySampling int32
}

// EncodeEXR writes m as a single-channel FLOAT scanline OpenEXR image.
// Rows map to scanlines and columns to x. Only NONE and ZIPS compression are written.
func EncodeEXR(w io.Writer, m *Matrix, compression EXRCompression) error {
	if m.Rows <= 0 || m.Cols <= 0 {
		return errors.New("accurion: empty matrix")
	}
	if compression != EXRCompressionNone && compression != EXRCompressionZips {
		return fmt.Errorf("accurion: unsupported OpenEXR compression %d for writing", compression)
	}

	var hdr bytes.Buffer
	writeU32(&hdr, exrMagic)
	writeU32(&hdr, 2) // version 2, single-part scanline

	var ch bytes.Buffer
	ch.WriteString(exrChannelName)
	ch.WriteByte(0)
	writeU32(&ch, exrPixelFloat)
	ch.Write([]byte{0, 0, 0, 0}) // pLinear + reserved
	writeU32(&ch, 1)
	writeU32(&ch, 1)
	ch.WriteByte(0)

	window := make([]byte, 16)
	binary.LittleEndian.PutUint32(window[8:12], uint32(m.Cols-1))
	binary.LittleEndian.PutUint32(window[12:16], uint32(m.Rows-1))

	writeEXRAttr(&hdr, "channels", "chlist", ch.Bytes())
	writeEXRAttr(&hdr, "compression", "compression", []byte{byte(compression)})
	writeEXRAttr(&hdr, "dataWindow", "box2i", window)
	writeEXRAttr(&hdr, "displayWindow", "box2i", window)
	writeEXRAttr(&hdr, "lineOrder", "lineOrder", []byte{0})
	writeEXRAttr(&hdr, "pixelAspectRatio", "float", f32le(1))
	writeEXRAttr(&hdr, "screenWindowCenter", "v2f", append(f32le(0), f32le(0)...))
	writeEXRAttr(&hdr, "screenWindowWidth", "float", f32le(1))
	hdr.WriteByte(0)

	blocks := make([][]byte, m.Rows)
	line := make([]byte, m.Cols*4)
	for y := 0; y < m.Rows; y++ {
		for x, v := range m.Row(y) {
			binary.LittleEndian.PutUint32(line[x*4:], math.Float32bits(v))
		}
		block, err := exrCompress(compression, line)
		if err != nil {
			return err
		}
		blocks[y] = block
	}

	offset := uint64(hdr.Len() + 8*len(blocks))
	for _, block := range blocks {
		writeU64(&hdr, offset)
		offset += uint64(8 + len(block))
	}
	for y, block := range blocks {
		writeU32(&hdr, uint32(y))
		writeU32(&hdr, uint32(len(block)))
		hdr.Write(block)
	}

	_, err := w.Write(hdr.Bytes())
	return err
}

// exrHeader holds the header attributes DecodeEXR needs.
type exrHeader struct {
	channels    []exrChannel
	window      [4]int32 // xMin, yMin, xMax, yMax
	hasWindow   bool
	compression EXRCompression
}

func (h *exrHeader) size() (width, height int) {
	return int(h.window[2]-h.window[0]) + 1, int(h.window[3]-h.window[1]) + 1
}

// blockLines is the number of scanlines per chunk for the compression.
func (h *exrHeader) blockLines() int {
	if h.compression == EXRCompressionZip {
		return 16
	}
	return 1
}

// channel returns the index of the channel to decode.
func (h *exrHeader) channel() int {
	for i, ch := range h.channels {
		if strings.EqualFold(ch.name, exrChannelName) {
			return i
		}
	}
	return 0
}

// DecodeEXR reads a scanline OpenEXR image into a matrix. The Y channel is used when present,
// otherwise the first channel.
func DecodeEXR(data []byte) (*Matrix, error) {
	r := &exrReader{r: bytes.NewReader(data)}
	h, err := readEXRHeader(r)
	if err != nil {
		return nil, err
	}

	width, height := h.size()
	if width <= 0 || height <= 0 {
		return nil, errors.New("accurion: invalid OpenEXR dimensions")
	}
	lines := h.blockLines()
	offsets := make([]uint64, (height+lines-1)/lines)
	for i := range offsets {
		offsets[i] = r.u64()
	}
	if r.err != nil {
		return nil, fmt.Errorf("accurion: OpenEXR offset table: %w", r.err)
	}

	m := NewMatrix(height, width)
	selected := h.channel()
	for _, off := range offsets {
		if off == 0 {
			continue
		}
		if err := decodeEXRChunk(r, h, m, selected, int64(off)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func readEXRHeader(r *exrReader) (*exrHeader, error) {
	if r.u32() != exrMagic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, errors.New("accurion: not an OpenEXR file")
	}
	switch version := r.u32(); {
	case version&0x200 != 0:
		return nil, errors.New("accurion: tiled OpenEXR not supported")
	case version&0x400 != 0:
		return nil, errors.New("accurion: deep OpenEXR not supported")
	case version&0x800 != 0:
		return nil, errors.New("accurion: multipart OpenEXR not supported")
	}

	h := &exrHeader{compression: EXRCompressionNone}
	for {
		name := r.cstring()
		if name == "" || r.err != nil {
			break
		}
		typ := r.cstring()
		value := r.bytes(int64(r.i32()))
		if r.err != nil {
			break
		}

		switch {
		case name == "channels" && typ == "chlist":
			ch, err := parseEXRChannels(value)
			if err != nil {
				return nil, err
			}
			h.channels = ch
		case name == "dataWindow" && typ == "box2i" && len(value) == 16:
			for i := range h.window {
				h.window[i] = int32(binary.LittleEndian.Uint32(value[i*4:]))
			}
			h.hasWindow = true
		case name == "compression" && typ == "compression" && len(value) == 1:
			h.compression = EXRCompression(value[0])
		case name == "tiles":
			return nil, errors.New("accurion: tiled OpenEXR not supported")
		case name == "channels", name == "dataWindow", name == "compression":
			return nil, fmt.Errorf("accurion: malformed OpenEXR attribute %q", name)
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("accurion: OpenEXR header: %w", r.err)
	}

	switch {
	case len(h.channels) == 0:
		return nil, errors.New("accurion: OpenEXR missing channels")
	case !h.hasWindow:
		return nil, errors.New("accurion: OpenEXR missing dataWindow")
	}
	for _, ch := range h.channels {
		if ch.xSampling != 1 || ch.ySampling != 1 {
			return nil, errors.New("accurion: subsampled OpenEXR channels not supported")
		}
	}
	switch h.compression {
	case EXRCompressionNone, EXRCompressionZips, EXRCompressionZip:
	default:
		return nil, fmt.Errorf("accurion: unsupported OpenEXR compression %d", h.compression)
	}
	return h, nil
}

// decodeEXRChunk decodes the scanline chunk at off into m.
func decodeEXRChunk(r *exrReader, h *exrHeader, m *Matrix, selected int, off int64) error {
	r.seek(off)
	y := int(r.i32()) - int(h.window[1])
	packed := r.bytes(int64(r.i32()))
	if r.err != nil {
		return fmt.Errorf("accurion: OpenEXR chunk at %d: %w", off, r.err)
	}
	if y < 0 || y >= m.Rows {
		return fmt.Errorf("accurion: OpenEXR scanline %d out of bounds", y)
	}
	lines := min(h.blockLines(), m.Rows-y)

	unpacked, err := exrDecompress(h.compression, packed, exrExpectedBlockBytes(m.Cols, lines, h.channels))
	if err != nil {
		return err
	}
	return exrDecodeBlock(m, h.channels, selected, y, lines, unpacked)
}

func parseEXRChannels(data []byte) ([]exrChannel, error) {
	r := &exrReader{r: bytes.NewReader(data)}
	var channels []exrChannel
	for {
		name := r.cstring()
		if name == "" || r.err != nil {
			break
		}
		ch := exrChannel{name: name, pixelType: r.i32()}
		r.bytes(4) // pLinear, reserved
		ch.xSampling = r.i32()
		ch.ySampling = r.i32()
		if r.err != nil {
			break
		}
		switch ch.pixelType {
		case exrPixelUint, exrPixelHalf, exrPixelFloat:
		default:
			return nil, fmt.Errorf("accurion: unsupported OpenEXR pixel type %d", ch.pixelType)
		}
		channels = append(channels, ch)
	}
	if r.err != nil {
		return nil, fmt.Errorf("accurion: OpenEXR channel list: %w", r.err)
	}
	return channels, nil
}

func exrBytesPerPixel(pixelType int32) int {
	if pixelType == exrPixelHalf {
		return 2
	}
	return 4
}

func exrExpectedBlockBytes(width, lines int, channels []exrChannel) int {
	total := 0
	for _, ch := range channels {
		total += width * lines * exrBytesPerPixel(ch.pixelType)
	}
	return total
}

func exrCompress(compression EXRCompression, data []byte) ([]byte, error) {
	if compression == EXRCompressionNone {
		return append([]byte(nil), data...), nil
	}
	shuffled := shuffleBytes(data)
	applyPredictor(shuffled)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(shuffled); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	// Incompressible blocks are stored raw; readers detect this by size.
	if buf.Len() >= len(data) {
		return append([]byte(nil), data...), nil
	}
	return buf.Bytes(), nil
}

func exrDecompress(compression EXRCompression, data []byte, expected int) ([]byte, error) {
	switch compression {
	case EXRCompressionNone:
		if expected > 0 && len(data) != expected {
			return nil, errors.New("unexpected OpenEXR block size")
		}
		return data, nil
	case EXRCompressionZips, EXRCompressionZip:
		if len(data) == expected {
			return data, nil
		}
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		uncompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		if expected > 0 && len(uncompressed) != expected {
			return nil, errors.New("unexpected OpenEXR decompressed size")
		}
		if len(uncompressed)%2 != 0 {
			return nil, errors.New("invalid OpenEXR ZIP payload size")
		}
		undoPredictor(uncompressed)
		return unshuffleBytes(uncompressed), nil
	default:
		return nil, errors.New("unsupported OpenEXR compression")
	}
}

func applyPredictor(data []byte) {
	for i := len(data) - 1; i > 0; i-- {
		data[i] = byte(int(data[i]) - int(data[i-1]) + 128)
	}
}

func undoPredictor(data []byte) {
	for i := 1; i < len(data); i++ {
		data[i] = byte(int(data[i]) + int(data[i-1]) - 128)
	}
}

// shuffleBytes moves even-indexed bytes to the first half and odd-indexed to the second.
func shuffleBytes(data []byte) []byte {
	n := len(data) / 2
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		out[i] = data[2*i]
		out[i+n] = data[2*i+1]
	}
	return out
}

func unshuffleBytes(data []byte) []byte {
	n := len(data) / 2
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		out[2*i] = data[i]
		out[2*i+1] = data[i+n]
	}
	return out
}

func exrDecodeBlock(dst *Matrix, channels []exrChannel, selected, startY, lines int, data []byte) error {
	width := dst.Cols
	offset := 0
	for row := 0; row < lines; row++ {
		y := startY + row
		for i, ch := range channels {
			lineBytes := width * exrBytesPerPixel(ch.pixelType)
			if offset+lineBytes > len(data) {
				return errors.New("OpenEXR block truncated")
			}
			line := data[offset : offset+lineBytes]
			offset += lineBytes
			if i != selected {
				continue
			}
			exrApplyLine(dst.Row(y), ch.pixelType, line)
		}
	}
	return nil
}

func exrApplyLine(dst []float32, pixelType int32, line []byte) {
	for x := range dst {
		switch pixelType {
		case exrPixelHalf:
			dst[x] = halfToFloat32(binary.LittleEndian.Uint16(line[x*2:]))
		case exrPixelFloat:
			dst[x] = math.Float32frombits(binary.LittleEndian.Uint32(line[x*4:]))
		case exrPixelUint:
			dst[x] = float32(binary.LittleEndian.Uint32(line[x*4:]))
		}
	}
}

func writeEXRAttr(b *bytes.Buffer, name, typ string, value []byte) {
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(typ)
	b.WriteByte(0)
	writeU32(b, uint32(len(value)))
	b.Write(value)
}

func writeU32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func f32le(v float32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return buf[:]
}

// exrReader reads little-endian values and keeps the first error.
type exrReader struct {
	r   *bytes.Reader
	err error
}

func (r *exrReader) bytes(n int64) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > int64(r.r.Len()) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return b
}

func (r *exrReader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *exrReader) i32() int32 { return int32(r.u32()) }

func (r *exrReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *exrReader) cstring() string {
	if r.err != nil {
		return ""
	}
	var b []byte
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			r.err = io.ErrUnexpectedEOF
			return ""
		}
		if c == 0 {
			return string(b)
		}
		b = append(b, c)
	}
}

func (r *exrReader) seek(off int64) {
	if r.err == nil {
		_, r.err = r.r.Seek(off, io.SeekStart)
	}
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := int32(h>>10) & 0x1F
	mant := int32(h & 0x03FF)

	if exp == 0 {
		if mant == 0 {
			return math.Float32frombits(sign << 31)
		}
		for mant&0x0400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x03FF
	} else if exp == 31 {
		if mant == 0 {
			return math.Float32frombits((sign << 31) | 0x7F800000)
		}
		return math.Float32frombits((sign << 31) | 0x7F800000 | (uint32(mant) << 13))
	}

	exp = exp + (127 - 15)
	mant <<= 13
	bits := (sign << 31) | (uint32(exp) << 23) | uint32(mant)
	return math.Float32frombits(bits)
}
