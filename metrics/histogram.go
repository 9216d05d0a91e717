package metrics

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBuckets is the bucket count of parameter histograms.
const DefaultBuckets = 30

// Histogram is a bucketed distribution in HistogramProto form. Limits[i] is
// the right edge of bucket i.
type Histogram struct {
	Min, Max, Num, Sum, SumSquares float64
	Limits                         []float64
	Counts                         []float64
}

// NewHistogram buckets values into n equal-width buckets.
func NewHistogram(values []float32, n int) Histogram {
	if len(values) == 0 || n <= 0 {
		return Histogram{}
	}
	x := make([]float64, len(values))
	for i, v := range values {
		x[i] = float64(v)
	}
	sort.Float64s(x)

	h := Histogram{
		Min: floats.Min(x),
		Max: floats.Max(x),
		Num: float64(len(x)),
		Sum: floats.Sum(x),
	}
	h.SumSquares = floats.Dot(x, x)

	lo, hi := h.Min, h.Max
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	dividers := floats.Span(make([]float64, n+1), lo, hi)
	// stat.Histogram wants every value strictly below the last divider.
	dividers[n] = math.Nextafter(hi, math.Inf(1))
	h.Counts = stat.Histogram(nil, dividers, x, nil)
	h.Limits = append([]float64(nil), dividers[1:]...)
	return h
}

// grayPNG renders a rows x cols matrix as a grayscale PNG scaled between
// its min and max.
func grayPNG(data []float32, rows, cols int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var g uint8
			if span > 0 {
				g = uint8((data[r*cols+c] - lo) / span * 255)
			}
			img.SetGray(c, r, color.Gray{Y: g})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
