package accurion

import (
	"errors"
	"math"
	"testing"
)

func TestThresholdOtsuBimodal(t *testing.T) {
	m := NewMatrix(10, 10)
	for i := range m.Pix {
		if i%2 == 1 {
			m.Pix[i] = 10
		}
	}

	th, err := ThresholdOtsu(m, 256, nil)
	if err != nil {
		t.Fatalf("otsu: %v", err)
	}
	if want := 0.5 * 10 / 256.0; math.Abs(th-want) > 1e-12 {
		t.Fatalf("threshold = %v, want %v", th, want)
	}
}

func TestThresholdOtsuSeparatesClusters(t *testing.T) {
	m := NewMatrix(1, 8)
	copy(m.Pix, []float32{1.0, 1.1, 1.2, 0.9, 5.0, 5.2, 4.9, 5.1})

	th, err := ThresholdOtsu(m, 64, nil)
	if err != nil {
		t.Fatalf("otsu: %v", err)
	}
	if th <= 1.2 || th >= 4.9 {
		t.Fatalf("threshold %v does not separate the clusters", th)
	}
}

func TestThresholdOtsuConstant(t *testing.T) {
	m := NewMatrix(3, 3)
	for i := range m.Pix {
		m.Pix[i] = 2.5
	}
	th, err := ThresholdOtsu(m, 256, nil)
	if err != nil {
		t.Fatalf("otsu: %v", err)
	}
	if th != 2.5 {
		t.Fatalf("threshold = %v, want max value", th)
	}
}

func TestBinIndexOnEdges(t *testing.T) {
	low, high := float64(float32(0.3)), float64(float32(2.6))
	for _, tc := range []struct {
		f    float64
		want int
	}{
		{low, 0},
		{float64(float32(0.76)), 1}, // exactly the first inner edge
		{float64(float32(0.75)), 0},
		{high, 4},
	} {
		if got := binIndex(tc.f, low, high, 5); got != tc.want {
			t.Errorf("binIndex(%v) = %d, want %d", tc.f, got, tc.want)
		}
	}
}

func TestThresholdOtsuValueOnBinEdge(t *testing.T) {
	m := NewMatrix(1, 3)
	copy(m.Pix, []float32{0.3, 0.76, 2.6})

	th, err := ThresholdOtsu(m, 5, nil)
	if err != nil {
		t.Fatalf("otsu: %v", err)
	}
	low, high := float64(float32(0.3)), float64(float32(2.6))
	if want := low + 1.5*(high-low)/5; math.Abs(th-want) > 1e-12 {
		t.Fatalf("threshold = %v, want %v", th, want)
	}
}

func TestThresholdOtsuErrors(t *testing.T) {
	nan := float32(math.NaN())
	if _, err := ThresholdOtsu(&Matrix{Rows: 1, Cols: 1, Pix: []float32{nan}}, 256, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := ThresholdOtsu(NewMatrix(0, 0), 256, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	m := &Matrix{Rows: 1, Cols: 2, Pix: []float32{1, 2}}
	if _, err := ThresholdOtsu(m, 256, &[2]float64{10, 20}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty for out-of-range values, got %v", err)
	}
	if _, err := ThresholdOtsu(m, 0, nil); err == nil {
		t.Fatalf("expected error for zero bins")
	}
}
