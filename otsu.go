package accurion

import (
	"errors"
	"math"
)

// ErrEmpty is returned when an operation needs at least one finite value.
var ErrEmpty = errors.New("accurion: no finite values")

// ThresholdOtsu returns the Otsu threshold of m's values (Otsu 1979).
//
// Values are histogrammed into bins equal-width bins over rng, or over [min, max] when rng
// is nil; the last bin is closed. The threshold is the centre of the bin that maximises the
// between-class variance, or the maximum value when no bin separates two classes.
// NaN and infinite values are ignored.
func ThresholdOtsu(m *Matrix, bins int, rng *[2]float64) (float64, error) {
	if bins <= 0 {
		return 0, errors.New("accurion: bins must be positive")
	}
	lo, hi, ok := m.MinMax()
	if !ok {
		return 0, ErrEmpty
	}
	maxVal := float64(hi)

	low, high := float64(lo), float64(hi)
	if rng != nil {
		low, high = rng[0], rng[1]
		if low > high {
			return 0, errors.New("accurion: range start exceeds range end")
		}
	}
	if low == high {
		low -= 0.5
		high += 0.5
	}

	hist := make([]float64, bins)
	total := 0.0
	for _, v := range m.Pix {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < low || f > high {
			continue
		}
		hist[binIndex(f, low, high, bins)]++
		total++
	}
	if total == 0 {
		return 0, ErrEmpty
	}

	mt := 0.0
	for k := range hist {
		hist[k] /= total
		mt += float64(k) * hist[k]
	}

	width := (high - low) / float64(bins)
	threshold, varMax := maxVal, 0.0
	w, mk := 0.0, 0.0
	for k, p := range hist {
		w += p
		mk += float64(k) * p
		if !(0 < w && w < 1) {
			continue
		}
		d := mt*w - mk
		if v := d * d / (w * (1 - w)); v > varMax {
			varMax = v
			threshold = low + (float64(k)+0.5)*width
		}
	}
	return threshold, nil
}

// binIndex returns the histogram bin of f in [low, high]. The scaled index can be off by one
// next to a bin edge, so it is corrected against the edges themselves.
func binIndex(f, low, high float64, bins int) int {
	width := (high - low) / float64(bins)
	edge := func(i int) float64 {
		if i == bins {
			return high
		}
		return low + float64(i)*width
	}

	idx := int((f - low) * (float64(bins) / (high - low)))
	if idx >= bins {
		idx = bins - 1
	}
	if idx < 0 {
		idx = 0
	}
	switch {
	case idx > 0 && f < edge(idx):
		idx--
	case idx < bins-1 && f >= edge(idx+1):
		idx++
	}
	return idx
}
