// ABOUTME: Least-squares fitting of per-device clock drift models
// ABOUTME: Linear and quadratic strategies over (observation time, offset) pairs
package drift

import (
	"math"

	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
)

// Strategy selects the drift model shape. A closed set of variants, chosen
// at model-creation time; callers never branch on it.
type Strategy int

const (
	// StrategyLinear fits offset(t) = intercept + slope*(t - t_ref).
	// Linear drift is the dominant error term for consumer oscillators
	// over session-length durations.
	StrategyLinear Strategy = iota

	// StrategyQuadratic adds a curvature term for thermally unstable
	// oscillators
	StrategyQuadratic
)

func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyQuadratic:
		return "quadratic"
	}
	return "unknown"
}

// Model is a fitted drift model for one device. Immutable once published.
type Model struct {
	Strategy   Strategy
	RefTimeUs  int64      // Time of the first observation in the fit window
	Coeffs     [3]float64 // intercept (µs), slope (µs/µs), curvature (µs/µs²)
	ResidualUs float64    // RMS fit residual
	Samples    int
	CreatedAt  int64 // Master µs
	LastObsUs  int64 // Newest observation time in the fit window
}

// OffsetAt predicts the device offset in µs at master time tUs
func (m *Model) OffsetAt(tUs int64) int64 {
	x := float64(tUs - m.RefTimeUs)
	off := m.Coeffs[0] + m.Coeffs[1]*x
	if m.Strategy == StrategyQuadratic {
		off += m.Coeffs[2] * x * x
	}
	return int64(math.Round(off))
}

// SlopeUsPerSec returns the drift rate in µs per second
func (m *Model) SlopeUsPerSec() float64 {
	return m.Coeffs[1] * 1e6
}

// fit runs the selected least-squares fit over the observation window
func fit(strategy Strategy, obs []registry.Observation) *Model {
	ref := obs[0].MeasuredAt

	m := &Model{
		Strategy:  strategy,
		RefTimeUs: ref,
		Samples:   len(obs),
		LastObsUs: obs[len(obs)-1].MeasuredAt,
	}

	switch strategy {
	case StrategyQuadratic:
		m.Coeffs = fitQuadratic(obs, ref)
	default:
		c0, c1 := fitLinear(obs, ref)
		m.Coeffs = [3]float64{c0, c1, 0}
	}

	var sumSq float64
	for _, o := range obs {
		r := float64(o.OffsetUs) - float64(m.OffsetAt(o.MeasuredAt))
		sumSq += r * r
	}
	m.ResidualUs = math.Sqrt(sumSq / float64(len(obs)))

	return m
}

// fitLinear solves ordinary least squares for intercept and slope
func fitLinear(obs []registry.Observation, ref int64) (intercept, slope float64) {
	n := float64(len(obs))
	var sx, sy, sxx, sxy float64
	for _, o := range obs {
		x := float64(o.MeasuredAt - ref)
		y := float64(o.OffsetUs)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}

	det := n*sxx - sx*sx
	if det == 0 {
		// All samples at the same instant: constant offset, no slope
		return sy / n, 0
	}

	slope = (n*sxy - sx*sy) / det
	intercept = (sy - slope*sx) / n
	return
}

// fitQuadratic solves the 3x3 normal equations by Gaussian elimination
func fitQuadratic(obs []registry.Observation, ref int64) [3]float64 {
	var s [5]float64 // Sums of x^0..x^4
	var t [3]float64 // Sums of y*x^0..y*x^2

	for _, o := range obs {
		x := float64(o.MeasuredAt - ref)
		y := float64(o.OffsetUs)
		xp := 1.0
		for i := 0; i < 5; i++ {
			s[i] += xp
			if i < 3 {
				t[i] += y * xp
			}
			xp *= x
		}
	}

	a := [3][4]float64{
		{s[0], s[1], s[2], t[0]},
		{s[1], s[2], s[3], t[1]},
		{s[2], s[3], s[4], t[2]},
	}

	for col := 0; col < 3; col++ {
		// Partial pivot
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		a[col], a[pivot] = a[pivot], a[col]

		if a[col][col] == 0 {
			// Degenerate system: fall back to the linear solution
			c0, c1 := fitLinear(obs, ref)
			return [3]float64{c0, c1, 0}
		}

		for row := 0; row < 3; row++ {
			if row == col {
				continue
			}
			f := a[row][col] / a[col][col]
			for k := col; k < 4; k++ {
				a[row][k] -= f * a[col][k]
			}
		}
	}

	return [3]float64{a[0][3] / a[0][0], a[1][3] / a[1][1], a[2][3] / a[2][2]}
}
