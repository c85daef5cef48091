package accurion

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png" // Register PNG decoder for the fallback path.
	"io"
	"os"
	"path/filepath"
)

// ReadImage reads an Accurion image file and returns its measurement matrix,
// transposed so that rows run along the image width.
func ReadImage(path string, opts ...func(o *ReadOptions)) (*Matrix, error) {
	m, _, err := ReadImageInfo(path, opts...)
	return m, err
}

// ReadImageInfo is ReadImage that also reports how the matrix was obtained.
func ReadImageInfo(path string, opts ...func(o *ReadOptions)) (*Matrix, Info, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, Info{}, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	return decode(f, path, opts)
}

// Decode reads an Accurion image from r, starting at its current position.
// The fallback path seeks r back to that position and decodes the whole container.
func Decode(r io.ReadSeeker, opts ...func(o *ReadOptions)) (*Matrix, error) {
	m, _, err := decode(r, "", opts)
	return m, err
}

// DecodeWithInfo is Decode that also reports how the matrix was obtained.
func DecodeWithInfo(r io.ReadSeeker, opts ...func(o *ReadOptions)) (*Matrix, Info, error) {
	return decode(r, "", opts)
}

// DecodeBytes decodes an in-memory Accurion image.
func DecodeBytes(data []byte, opts ...func(o *ReadOptions)) (*Matrix, error) {
	return Decode(bytes.NewReader(data), opts...)
}

// WriteImage is not supported: the raw-data container is read-only.
func WriteImage(path string, m *Matrix) error {
	return ErrNotImplemented
}

func decode(rs io.ReadSeeker, path string, opts []func(o *ReadOptions)) (*Matrix, Info, error) {
	opt := ReadOptions{Decoder: defaultDecoder}
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}

	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, Info{}, &IOError{Op: "seek", Path: path, Err: err}
	}

	s := scanner{cr: newChunkReader(rs), path: path}
	if err := s.run(); err != nil {
		return nil, Info{}, err
	}
	if s.raw != nil {
		return s.raw.Transpose(), s.info, nil
	}

	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return nil, Info{}, &IOError{Op: "seek", Path: path, Err: err}
	}
	img, err := opt.Decoder(bufio.NewReader(rs))
	if err != nil {
		return nil, Info{}, s.formatErr("fallback decode", err)
	}
	m, err := samples(img, s.info)
	if err != nil {
		return nil, Info{}, s.formatErr(err.Error(), nil)
	}
	return m.Transpose(), s.info, nil
}

// sampleDepth is the bit width colour images are reduced to.
func sampleDepth(h Header) uint8 {
	switch {
	case h.ColorType == 3, h.BitDepth == 0:
		return 8 // palette indices are expanded to 8-bit colour
	case h.BitDepth > 16:
		return 16
	default:
		return h.BitDepth
	}
}

// samples extracts one value per pixel as the decoder produced it and applies the sBIT shift.
// Colour images are reduced to luminance at their storage depth.
func samples(img image.Image, info Info) (*Matrix, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w != int(info.Width) || h != int(info.Height) {
		return nil, fmt.Errorf("decoded image is %dx%d, IHDR declares %dx%d", w, h, info.Width, info.Height)
	}

	shift := info.Shift()
	m := NewMatrix(h, w)

	switch src := img.(type) {
	case *image.Gray:
		// 1, 2 and 4 bit gray arrive expanded to the 8-bit range and are kept that way.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := uint32(src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)])
				m.Set(y, x, float32(v>>shift))
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				v := uint32(src.Pix[off])<<8 | uint32(src.Pix[off+1])
				m.Set(y, x, float32(v>>shift))
			}
		}
	default:
		depth := uint32(sampleDepth(info.Header))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				v := uint32(g.Y) >> (16 - depth)
				m.Set(y, x, float32(v>>shift))
			}
		}
	}
	return m, nil
}
