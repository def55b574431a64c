package correlate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// CorrelationResult is the best lagged alignment of two signals.
type CorrelationResult struct {
	Points   []CorrelationPoint `json:"points"`
	PearsonR float64            `json:"pearson_r"`
	Shift    int                `json:"shift"`
}

// ShiftCorrelation is the correlation obtained at one shift.
type ShiftCorrelation struct {
	Shift    int     `json:"shift"`
	PearsonR float64 `json:"pearson_r"`
	Length   int     `json:"length"`
	Skipped  bool    `json:"skipped,omitempty"`
}

// Pearson is the linear correlation of a and b, or 0 when it is undefined.
func Pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	r := stat.Correlation(a, b, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

func splitPoints(points []CorrelationPoint) ([]float64, []float64) {
	a := make([]float64, len(points))
	b := make([]float64, len(points))
	for i, p := range points {
		a[i] = p.A
		b[i] = p.B
	}
	return a, b
}

// ShiftRange returns the first and one-past-last shift searched for n points.
func ShiftRange(n int) (int, int) {
	return -(n / 4), n / 4
}

// Align slices the two series for a shift. A positive shift advances series a
// and trims series b from the end; a negative shift advances series b and trims
// series a from the end.
func Align(a, b []float64, shift int) ([]float64, []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	a, b = a[:n], b[:n]
	switch {
	case shift >= n || -shift >= n:
		return a[:0], b[:0]
	case shift > 0:
		return a[shift:], b[:n-shift]
	case shift < 0:
		return a[:n+shift], b[-shift:]
	default:
		return a, b
	}
}

func zipPoints(a, b []float64) []CorrelationPoint {
	out := make([]CorrelationPoint, len(a))
	for i := range a {
		out[i] = CorrelationPoint{A: a[i], B: b[i]}
	}
	return out
}

// Search finds the shift with the highest Pearson correlation. The unshifted
// baseline wins ties, and among shifts the first one in increasing order wins.
func Search(points []CorrelationPoint) (CorrelationResult, error) {
	if len(points) < 2 {
		return CorrelationResult{}, fmt.Errorf("correlation needs at least 2 points, have %d: %w", len(points), ErrInsufficientData)
	}
	a, b := splitPoints(points)

	best := CorrelationResult{
		Points:   append([]CorrelationPoint(nil), points...),
		PearsonR: Pearson(a, b),
		Shift:    0,
	}

	lo, hi := ShiftRange(len(points))
	for i := lo; i < hi; i++ {
		if i == 0 {
			continue
		}
		sa, sb := Align(a, b, i)
		if len(sa) < 2 || len(sb) < 2 {
			continue
		}
		r := stat.Correlation(sa, sb, nil)
		if r > best.PearsonR {
			best = CorrelationResult{Points: zipPoints(sa, sb), PearsonR: r, Shift: i}
		}
	}
	return best, nil
}

// Shifts reports the correlation at every searched shift, shift 0 included,
// in increasing shift order.
func Shifts(points []CorrelationPoint) []ShiftCorrelation {
	a, b := splitPoints(points)
	lo, hi := ShiftRange(len(points))
	if hi <= 0 {
		hi = 1
	}
	out := make([]ShiftCorrelation, 0, hi-lo)
	for i := lo; i < hi; i++ {
		sa, sb := Align(a, b, i)
		sc := ShiftCorrelation{Shift: i, Length: len(sa)}
		if len(sa) < 2 || len(sb) < 2 {
			sc.Skipped = true
		} else {
			sc.PearsonR = Pearson(sa, sb)
		}
		out = append(out, sc)
	}
	return out
}
