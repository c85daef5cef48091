package accurion

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/png"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
)

const pngSignature = "\x89PNG\r\n\x1a\n"

func makeChunk(tag string, data []byte) []byte {
	var b bytes.Buffer
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	b.Write(n[:])
	b.WriteString(tag)
	b.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(tag))
	crc.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	b.Write(n[:])
	return b.Bytes()
}

func makeIHDR(w, h uint32, depth, colorType byte) []byte {
	data := make([]byte, 13)
	binary.BigEndian.PutUint32(data[0:4], w)
	binary.BigEndian.PutUint32(data[4:8], h)
	data[8] = depth
	data[9] = colorType
	return makeChunk("IHDR", data)
}

// makeRawText builds the private tEXt chunk. The sub-header and the extra skip are filled
// with 0xAB so that a wrong offset yields different floats.
func makeRawText(skip uint16, vals []float32) []byte {
	var b bytes.Buffer
	b.WriteString(RawDataKey)
	b.WriteByte(0)
	sub := bytes.Repeat([]byte{0xAB}, rawSubHeaderSize)
	binary.BigEndian.PutUint16(sub[0:2], skip)
	b.Write(sub)
	b.Write(bytes.Repeat([]byte{0xAB}, int(skip)))
	var buf [4]byte
	for _, v := range vals {
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
		b.Write(buf[:])
	}
	return makeChunk("tEXt", b.Bytes())
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func rawFixture(w, h uint32, skip uint16, vals []float32, extra ...[]byte) []byte {
	parts := [][]byte{[]byte(pngSignature), makeIHDR(w, h, 16, 0)}
	parts = append(parts, extra...)
	parts = append(parts, makeRawText(skip, vals), makeChunk("IEND", nil))
	return concat(parts...)
}

// insertAfterIHDR splices chunks into an encoded PNG right after its IHDR chunk.
func insertAfterIHDR(t *testing.T, encoded []byte, chunks ...[]byte) []byte {
	t.Helper()
	const ihdrEnd = 8 + 8 + 13 + 4
	if len(encoded) < ihdrEnd || string(encoded[12:16]) != "IHDR" {
		t.Fatalf("unexpected PNG layout")
	}
	parts := [][]byte{encoded[:ihdrEnd]}
	parts = append(parts, chunks...)
	parts = append(parts, encoded[ihdrEnd:])
	return concat(parts...)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func sampleValues(n int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i)*1.25 - 3.5
	}
	vals[0] = float32(math.Pi)
	return vals
}

func assertTransposed(t *testing.T, m *Matrix, w, h int, want func(x, y int) float32) {
	t.Helper()
	if m.Rows != w || m.Cols != h {
		t.Fatalf("shape = %dx%d, want %dx%d", m.Rows, m.Cols, w, h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			got, exp := m.At(x, y), want(x, y)
			if math.Float32bits(got) != math.Float32bits(exp) {
				t.Fatalf("value at (%d,%d) = %v, want %v", x, y, got, exp)
			}
		}
	}
}

func TestReadImageRawData(t *testing.T) {
	const w, h = 3, 2
	vals := sampleValues(w * h)

	path := filepath.Join(t.TempDir(), "raw.png")
	if err := os.WriteFile(path, rawFixture(w, h, 0, vals), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, info, err := ReadImageInfo(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !info.Raw {
		t.Fatalf("expected raw data path")
	}
	if info.Width != w || info.Height != h || info.BitDepth != 16 || info.ColorType != 0 {
		t.Fatalf("unexpected header %+v", info.Header)
	}
	assertTransposed(t, m, w, h, func(x, y int) float32 { return vals[y*w+x] })
}

func TestDecodeRawDataSubOffset(t *testing.T) {
	const w, h = 4, 3
	vals := sampleValues(w * h)

	for _, skip := range []uint16{0, 1, 5, 300} {
		m, err := DecodeBytes(rawFixture(w, h, skip, vals))
		if err != nil {
			t.Fatalf("skip %d: %v", skip, err)
		}
		assertTransposed(t, m, w, h, func(x, y int) float32 { return vals[y*w+x] })
	}
}

func TestDecodeSkipsUnknownChunks(t *testing.T) {
	const w, h = 2, 2
	vals := sampleValues(w * h)

	plain, plainInfo, err := DecodeWithInfo(bytes.NewReader(rawFixture(w, h, 2, vals)))
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	noisy, noisyInfo, err := DecodeWithInfo(bytes.NewReader(rawFixture(w, h, 2, vals,
		makeChunk("abCd", []byte("opaque payload")),
		makeChunk("tEXt", []byte("Comment\x00not the raw key")),
		makeChunk("tEXt", []byte(RawDataKey+"_OLD\x00\x00\x00 keyword only shares a prefix")),
		makeChunk("zzZz", nil),
	)))
	if err != nil {
		t.Fatalf("noisy: %v", err)
	}
	if plainInfo != noisyInfo {
		t.Fatalf("info differs: %+v vs %+v", plainInfo, noisyInfo)
	}
	if !equalBits(plain.Pix, noisy.Pix) {
		t.Fatalf("matrix differs: %v vs %v", plain.Pix, noisy.Pix)
	}
}

func equalBits(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			return false
		}
	}
	return true
}

func gray16Fixture(w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint16((y*w + x) * 4099)
			off := img.PixOffset(x, y)
			img.Pix[off] = uint8(v >> 8)
			img.Pix[off+1] = uint8(v)
		}
	}
	return img
}

// encodeGray4 builds a 4-bit grayscale PNG, which image/png cannot write.
func encodeGray4(t *testing.T, w, h int, val func(x, y int) uint8, extra ...[]byte) []byte {
	t.Helper()
	var raw bytes.Buffer
	for y := 0; y < h; y++ {
		raw.WriteByte(0) // filter: none
		row := make([]byte, (w+1)/2)
		for x := 0; x < w; x++ {
			row[x/2] |= (val(x, y) & 0x0f) << (4 * (1 - x%2))
		}
		raw.Write(row)
	}
	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}

	parts := [][]byte{[]byte(pngSignature), makeIHDR(uint32(w), uint32(h), 4, 0)}
	parts = append(parts, extra...)
	parts = append(parts, makeChunk("IDAT", idat.Bytes()), makeChunk("IEND", nil))
	return concat(parts...)
}

func TestDecodeFallback(t *testing.T) {
	const w, h = 5, 3
	img16 := gray16Fixture(w, h)
	img8 := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img8.Pix {
		img8.Pix[i] = uint8(i*17 + 3)
	}
	gray4 := func(x, y int) uint8 { return uint8((y*w+x)*3) % 16 }

	cases := []struct {
		name string
		data []byte
		want func(x, y int) float32
	}{
		{
			name: "gray16 no sBIT",
			data: encodePNG(t, img16),
			want: func(x, y int) float32 { return float32(img16.Gray16At(x, y).Y) },
		},
		{
			name: "gray16 sBIT equals depth",
			data: insertAfterIHDR(t, encodePNG(t, img16), makeChunk("sBIT", []byte{16})),
			want: func(x, y int) float32 { return float32(img16.Gray16At(x, y).Y) },
		},
		{
			name: "gray16 sBIT 12",
			data: insertAfterIHDR(t, encodePNG(t, img16), makeChunk("sBIT", []byte{12})),
			want: func(x, y int) float32 { return float32(img16.Gray16At(x, y).Y >> 4) },
		},
		{
			name: "gray8 sBIT 5 behind unknown chunk",
			data: insertAfterIHDR(t, encodePNG(t, img8),
				makeChunk("prVt", []byte{1, 2, 3}), makeChunk("sBIT", []byte{5})),
			want: func(x, y int) float32 { return float32(img8.GrayAt(x, y).Y >> 3) },
		},
		{
			name: "gray4 no sBIT",
			data: encodeGray4(t, w, h, gray4),
			want: func(x, y int) float32 { return float32(gray4(x, y) * 0x11) },
		},
		{
			name: "gray4 sBIT 2",
			data: encodeGray4(t, w, h, gray4, makeChunk("sBIT", []byte{2})),
			want: func(x, y int) float32 { return float32((gray4(x, y) * 0x11) >> 2) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, info, err := DecodeWithInfo(bytes.NewReader(tc.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if info.Raw {
				t.Fatalf("unexpected raw data path")
			}
			assertTransposed(t, m, w, h, tc.want)
		})
	}
}

func TestDecodeFallbackFromOffset(t *testing.T) {
	const w, h = 2, 4
	img := gray16Fixture(w, h)
	data := append([]byte("junk!"), encodePNG(t, img)...)

	r := bytes.NewReader(data)
	if _, err := r.Seek(5, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	m, err := Decode(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertTransposed(t, m, w, h, func(x, y int) float32 { return float32(img.Gray16At(x, y).Y) })
}

func TestDecodeCustomFallbackDecoder(t *testing.T) {
	const w, h = 3, 2
	img := gray16Fixture(w, h)
	data := encodePNG(t, img)

	calls := 0
	m, err := DecodeBytes(data, func(o *ReadOptions) {
		o.Decoder = func(r io.Reader) (image.Image, error) {
			calls++
			return png.Decode(r)
		}
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if calls != 1 {
		t.Fatalf("decoder called %d times", calls)
	}
	if m.Rows != w || m.Cols != h {
		t.Fatalf("shape = %dx%d", m.Rows, m.Cols)
	}

	// The raw data path never consults the fallback decoder.
	calls = 0
	if _, err := DecodeBytes(rawFixture(w, h, 0, sampleValues(w*h)), func(o *ReadOptions) {
		o.Decoder = func(r io.Reader) (image.Image, error) {
			calls++
			return nil, errors.New("unexpected")
		}
	}); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if calls != 0 {
		t.Fatalf("decoder called on raw path")
	}
}

func TestDecodeSignificantBitsOnColorImage(t *testing.T) {
	data := concat(
		[]byte(pngSignature),
		makeIHDR(2, 2, 8, 2),
		makeChunk("sBIT", []byte{5, 5, 5}),
		makeChunk("IEND", nil),
	)
	_, err := DecodeBytes(data)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Chunk != "sBIT" || fe.Offset != 8+25 {
		t.Fatalf("unexpected error context: %#v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	const w, h = 3, 3
	raw := rawFixture(w, h, 4, sampleValues(w*h))
	// Past the raw-data chunk the scan is already complete.
	rawEnd := len(raw) - 12

	for n := 0; n < rawEnd; n++ {
		m, err := DecodeBytes(raw[:n])
		if !errors.Is(err, ErrFormat) || !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("raw cut at %d: expected unexpected EOF format error, got %v", n, err)
		}
		if m != nil {
			t.Fatalf("raw cut at %d: partial result returned", n)
		}
	}

	fallback := encodePNG(t, gray16Fixture(w, h))
	for n := 0; n < len(fallback); n++ {
		m, err := DecodeBytes(fallback[:n])
		if !errors.Is(err, ErrFormat) {
			t.Fatalf("fallback cut at %d: expected format error, got %v", n, err)
		}
		if m != nil {
			t.Fatalf("fallback cut at %d: partial result returned", n)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	vals := sampleValues(6)
	oversized := make([]byte, 8)
	binary.BigEndian.PutUint32(oversized[0:4], 0x7FFFFFF0)
	copy(oversized[4:], "tEXt")

	cases := []struct {
		name string
		data []byte
	}{
		{"first chunk not IHDR", concat([]byte(pngSignature), makeChunk("tEXt", []byte("a\x00b")), makeIHDR(1, 1, 8, 0))},
		{"duplicate IHDR", concat([]byte(pngSignature), makeIHDR(1, 1, 8, 0), makeIHDR(1, 1, 8, 0))},
		{"short IHDR", concat([]byte(pngSignature), makeChunk("IHDR", []byte{0, 0, 0, 1}))},
		{"zero width", concat([]byte(pngSignature), makeIHDR(0, 1, 8, 0))},
		{"raw data too short", rawFixture(3, 3, 0, vals)},
		{"raw data too long", rawFixture(2, 2, 0, vals)},
		{"sub-offset beyond payload", concat([]byte(pngSignature), makeIHDR(1, 1, 16, 0),
			makeChunk("tEXt", append([]byte(RawDataKey+"\x00\x00\x64"), make([]byte, 10)...)))},
		{"raw key without sub-header", concat([]byte(pngSignature), makeIHDR(1, 1, 16, 0),
			makeChunk("tEXt", []byte(RawDataKey+"\x00")))},
		{"empty sBIT", concat([]byte(pngSignature), makeIHDR(1, 1, 8, 0), makeChunk("sBIT", nil))},
		{"oversized text chunk", concat([]byte(pngSignature), makeIHDR(1, 1, 8, 0), oversized, []byte("short"))},
		{"fallback without image data", concat([]byte(pngSignature), makeIHDR(1, 1, 8, 0), makeChunk("IEND", nil))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := DecodeBytes(tc.data)
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("expected format error, got %v", err)
			}
			if m != nil {
				t.Fatalf("partial result returned")
			}
		})
	}
}

func TestReadImageMissingFile(t *testing.T) {
	_, err := ReadImage(filepath.Join(t.TempDir(), "missing.png"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if errors.Is(err, ErrFormat) {
		t.Fatalf("I/O failure reported as format error")
	}
}

func TestWriteImageNotImplemented(t *testing.T) {
	if err := WriteImage(filepath.Join(t.TempDir(), "out.png"), NewMatrix(1, 1)); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
