// ABOUTME: Per-device round-trip latency statistics
// ABOUTME: Summarizes recent samples into mean/min/max/jitter for start-time planning
package coordinator

// LatencyStats summarizes a device's recent round-trip measurements
type LatencyStats struct {
	MeanUs   int64
	MinUs    int64
	MaxUs    int64
	JitterUs int64 // max - min
	Samples  int
}

// ComputeLatencyStats reduces raw round-trip samples. Returns zero stats
// for an empty slice; callers treat that as "no history".
func ComputeLatencyStats(samples []int64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	st := LatencyStats{
		MinUs:   samples[0],
		MaxUs:   samples[0],
		Samples: len(samples),
	}

	var sum int64
	for _, s := range samples {
		sum += s
		if s < st.MinUs {
			st.MinUs = s
		}
		if s > st.MaxUs {
			st.MaxUs = s
		}
	}

	st.MeanUs = sum / int64(len(samples))
	st.JitterUs = st.MaxUs - st.MinUs
	return st
}
