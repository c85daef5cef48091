package accurion

import (
	"image"
	"math"
)

// Matrix is a row-major 2D float32 array.
type Matrix struct {
	Rows int
	Cols int
	Pix  []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Pix: make([]float32, rows*cols)}
}

func (m *Matrix) At(r, c int) float32 { return m.Pix[r*m.Cols+c] }

func (m *Matrix) Set(r, c int, v float32) { m.Pix[r*m.Cols+c] = v }

// Row returns row r, sharing storage with m.
func (m *Matrix) Row(r int) []float32 { return m.Pix[r*m.Cols : (r+1)*m.Cols] }

// Transpose returns a new matrix with rows and columns swapped.
func (m *Matrix) Transpose() *Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		src := m.Pix[r*m.Cols : (r+1)*m.Cols]
		for c, v := range src {
			t.Pix[c*t.Cols+r] = v
		}
	}
	return t
}

// MinMax returns the smallest and largest finite values. ok is false when there are none.
func (m *Matrix) MinMax() (lo, hi float32, ok bool) {
	for _, v := range m.Pix {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if !ok {
			lo, hi, ok = v, v, true
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, ok
}

// Gray16 renders m as a 16-bit grayscale image, linearly stretching [min, max] to [0, 65535].
// Rows map to y and columns to x. Non-finite values render black.
func (m *Matrix) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, m.Cols, m.Rows))
	lo, hi, ok := m.MinMax()
	if !ok {
		return img
	}
	scale := float64(0)
	if hi > lo {
		scale = 65535 / float64(hi-lo)
	}
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			f := float64(m.At(r, c))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			v := math.Round((f - float64(lo)) * scale)
			off := img.PixOffset(c, r)
			img.Pix[off] = uint8(uint16(v) >> 8)
			img.Pix[off+1] = uint8(uint16(v))
		}
	}
	return img
}
