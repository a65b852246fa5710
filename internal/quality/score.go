// ABOUTME: Composite quality scoring for device sync state
// ABOUTME: Offset, drift, and stability terms combined into a [0,1] score
package quality

import (
	"math"

	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
)

// OffsetQuality maps an offset magnitude to a piecewise score
func OffsetQuality(offsetUs int64) float64 {
	if offsetUs < 0 {
		offsetUs = -offsetUs
	}
	switch {
	case offsetUs <= 100:
		return 1.0
	case offsetUs <= 500:
		return 0.8
	case offsetUs <= 1000:
		return 0.6
	case offsetUs <= 5000:
		return 0.3
	}
	return 0.1
}

// DriftQuality penalizes drift rate magnitude symmetrically
func DriftQuality(driftUsPerSec float64) float64 {
	d := math.Abs(driftUsPerSec)
	switch {
	case d <= 10:
		return 1.0
	case d <= 50:
		return 0.8
	case d <= 100:
		return 0.6
	case d <= 500:
		return 0.3
	}
	return 0.1
}

// StabilityScore is the inverse of recent offset variance: a device whose
// offsets barely move scores near 1 regardless of their absolute value
func StabilityScore(recent []registry.Observation) float64 {
	if len(recent) < 2 {
		return 1.0
	}

	var mean float64
	for _, o := range recent {
		mean += float64(o.OffsetUs)
	}
	mean /= float64(len(recent))

	var variance float64
	for _, o := range recent {
		d := float64(o.OffsetUs) - mean
		variance += d * d
	}
	variance /= float64(len(recent))

	stddev := math.Sqrt(variance)
	return 1.0 / (1.0 + stddev/250)
}

// Composite scores one device from its status and recent history
func Composite(status registry.SyncStatus, recent []registry.Observation) float64 {
	return (OffsetQuality(status.LastOffsetUs) +
		DriftQuality(status.DriftRateUsPerSec) +
		StabilityScore(recent)) / 3
}
