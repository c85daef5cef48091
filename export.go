package accurion

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// WriteRaw writes m as little-endian float32 values in row-major order, without a header.
func WriteRaw(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	var buf [4]byte
	for _, v := range m.Pix {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRaw reads a rows x cols matrix written by WriteRaw.
func ReadRaw(r io.Reader, rows, cols int) (*Matrix, error) {
	m := NewMatrix(rows, cols)
	br := bufio.NewReader(r)
	var buf [4]byte
	for i := range m.Pix {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("read value %d: %w", i, err)
		}
		m.Pix[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
	}
	return m, nil
}

// WriteRawZstd is WriteRaw with zstd compression.
func WriteRawZstd(w io.Writer, m *Matrix) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := WriteRaw(enc, m); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadRawZstd reads a matrix written by WriteRawZstd.
func ReadRawZstd(r io.Reader, rows, cols int) (*Matrix, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return ReadRaw(dec, rows, cols)
}

// WriteCSV writes one tab-separated line per row.
func WriteCSV(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	for r := 0; r < m.Rows; r++ {
		for c, v := range m.Row(r) {
			if c > 0 {
				if err := bw.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteTIFF writes a normalised 16-bit grayscale preview of m.
func WriteTIFF(w io.Writer, m *Matrix) error {
	return tiff.Encode(w, m.Gray16(), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// WriteBMP writes a normalised 8-bit grayscale preview of m.
func WriteBMP(w io.Writer, m *Matrix) error {
	return bmp.Encode(w, toGray(m.Gray16()))
}

// WritePNG writes a normalised 16-bit grayscale preview of m.
func WritePNG(w io.Writer, m *Matrix) error {
	return png.Encode(w, m.Gray16())
}

// Preview returns a normalised preview of m scaled to fit into maxW x maxH,
// keeping the aspect ratio. Matrices already within bounds are not scaled.
func Preview(m *Matrix, maxW, maxH uint) image.Image {
	return resize.Thumbnail(maxW, maxH, m.Gray16(), resize.Lanczos3)
}

func toGray(src *image.Gray16) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Pix[dst.PixOffset(x, y)] = src.Pix[src.PixOffset(x, y)]
		}
	}
	return dst
}

// ErrUnknownExportFormat is returned by ExportFile for unrecognised extensions.
var ErrUnknownExportFormat = errors.New("accurion: unknown export format")

// ExportFile writes m to path, choosing the format by extension:
// .f32/.raw/.bin, .zst, .csv/.txt, .exr, .tif/.tiff, .bmp, .png.
func ExportFile(path string, m *Matrix) error {
	write, err := exporterFor(path)
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := write(f, m); err != nil {
		_ = f.Close()
		return fmt.Errorf("export %s: %w", path, err)
	}
	return f.Close()
}

func exporterFor(path string) (func(io.Writer, *Matrix) error, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".f32", ".raw", ".bin":
		return WriteRaw, nil
	case ".zst":
		return WriteRawZstd, nil
	case ".csv", ".txt":
		return WriteCSV, nil
	case ".exr":
		return func(w io.Writer, m *Matrix) error {
			return EncodeEXR(w, m, EXRCompressionZips)
		}, nil
	case ".tif", ".tiff":
		return WriteTIFF, nil
	case ".bmp":
		return WriteBMP, nil
	case ".png":
		return WritePNG, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExportFormat, filepath.Ext(path))
	}
}
