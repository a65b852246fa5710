// ABOUTME: Tests for quality scoring and degradation detection
// ABOUTME: Drives monitor passes directly with a canned status source
package quality

import (
	"sync"
	"testing"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
)

type fakeSource struct {
	mu       sync.Mutex
	statuses map[string]registry.SyncStatus
	history  map[string][]registry.Observation
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		statuses: make(map[string]registry.SyncStatus),
		history:  make(map[string][]registry.Observation),
	}
}

func (f *fakeSource) Statuses() map[string]registry.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]registry.SyncStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeSource) History(deviceID string, n int) []registry.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[deviceID]
}

func (f *fakeSource) set(id string, offset int64, drift float64, state registry.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = registry.SyncStatus{
		State:             state,
		LastOffsetUs:      offset,
		DriftRateUsPerSec: drift,
	}
}

func stepClock() func() int64 {
	t := int64(0)
	return func() int64 {
		t += 1000000
		return t
	}
}

func TestOffsetQualityPiecewise(t *testing.T) {
	cases := []struct {
		offset int64
		want   float64
	}{
		{0, 1.0}, {100, 1.0}, {-100, 1.0},
		{101, 0.8}, {500, 0.8},
		{501, 0.6}, {1000, 0.6},
		{1001, 0.3}, {5000, 0.3},
		{5001, 0.1}, {1000000, 0.1},
	}
	for _, c := range cases {
		if got := OffsetQuality(c.offset); got != c.want {
			t.Errorf("OffsetQuality(%d) = %f, want %f", c.offset, got, c.want)
		}
	}
}

func TestOffsetQualityMonotonic(t *testing.T) {
	prev := OffsetQuality(0)
	for off := int64(0); off <= 10000; off += 25 {
		q := OffsetQuality(off)
		if q > prev {
			t.Fatalf("quality improved from %f to %f at offset %d", prev, q, off)
		}
		prev = q
	}
}

func TestStabilityScore(t *testing.T) {
	flat := []registry.Observation{
		{OffsetUs: 500}, {OffsetUs: 500}, {OffsetUs: 500},
	}
	if s := StabilityScore(flat); s != 1.0 {
		t.Errorf("flat offsets should score 1.0, got %f", s)
	}

	noisy := []registry.Observation{
		{OffsetUs: 0}, {OffsetUs: 2000}, {OffsetUs: -2000}, {OffsetUs: 1500},
	}
	if s := StabilityScore(noisy); s >= 0.5 {
		t.Errorf("noisy offsets should score low, got %f", s)
	}

	if s := StabilityScore(nil); s != 1.0 {
		t.Errorf("no history should default to 1.0, got %f", s)
	}
}

func TestSampleComposite(t *testing.T) {
	src := newFakeSource()
	src.set("a", 50, 5, registry.StateSynchronized)
	src.set("b", 3000, 200, registry.StateDegraded)

	m := NewMonitor(src, stepClock(), time.Second)
	snap := m.Sample()

	if snap.Devices != 2 {
		t.Fatalf("expected 2 devices, got %d", snap.Devices)
	}
	if snap.Composite <= 0 || snap.Composite > 1 {
		t.Errorf("composite %f out of range", snap.Composite)
	}
	if snap.SuccessRate != 0.5 {
		t.Errorf("success rate %f, want 0.5", snap.SuccessRate)
	}
	if snap.DeviceScores["a"] <= snap.DeviceScores["b"] {
		t.Errorf("well-synced device should outscore degraded one: %f vs %f",
			snap.DeviceScores["a"], snap.DeviceScores["b"])
	}
}

func TestSuccessRateDeclineAlert(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"a", "b", "c", "d"} {
		src.set(id, 50, 0, registry.StateSynchronized)
	}

	m := NewMonitor(src, stepClock(), time.Second)

	var mu sync.Mutex
	var got []Alert
	done := make(chan struct{}, 8)
	m.Subscribe(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Sample() // 100% success baseline

	// Half the fleet falls out of sync: 50 point drop
	src.set("a", 50000, 0, registry.StateOutOfSync)
	src.set("b", 50000, 0, registry.StateOutOfSync)
	m.Sample()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected an alert")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[0].Kind != AlertSuccessRateDecline {
		t.Errorf("expected success_rate_decline alert, got %v", got)
	}
}

func TestPrecisionDegradationAlert(t *testing.T) {
	src := newFakeSource()
	src.set("a", 50, 0, registry.StateSynchronized)

	m := NewMonitor(src, stepClock(), time.Second)

	alerted := make(chan Alert, 8)
	m.Subscribe(func(a Alert) { alerted <- a })

	// Offsets worsen step by step across the whole trend window
	offsets := []int64{50, 150, 300, 600, 900, 1500, 2500, 3500, 4500, 6000, 8000, 9000}
	for _, off := range offsets {
		src.set("a", off, 0, registry.Classify(off))
		m.Sample()
	}

	deadline := time.After(time.Second)
	for {
		select {
		case a := <-alerted:
			if a.Kind == AlertPrecisionDegradation {
				return
			}
		case <-deadline:
			t.Fatal("expected precision_degradation alert")
		}
	}
}

func TestAlertSubscriberPanicContained(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"a", "b"} {
		src.set(id, 50, 0, registry.StateSynchronized)
	}

	m := NewMonitor(src, stepClock(), time.Second)
	m.Subscribe(func(a Alert) { panic("bad subscriber") })

	ok := make(chan struct{}, 4)
	m.Subscribe(func(a Alert) { ok <- struct{}{} })

	m.Sample()
	src.set("a", 50000, 0, registry.StateOutOfSync)
	src.set("b", 50000, 0, registry.StateOutOfSync)
	m.Sample() // Raises the alert; must not die on the panicking subscriber

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received alert")
	}
}

func TestReportAggregation(t *testing.T) {
	src := newFakeSource()
	src.set("a", 50, 0, registry.StateSynchronized)

	clk := stepClock()
	m := NewMonitor(src, clk, time.Second)

	for i := 0; i < 5; i++ {
		m.Sample()
	}

	rep := m.Report(time.Hour)
	if rep.Snapshots != 5 {
		t.Errorf("expected 5 snapshots in report, got %d", rep.Snapshots)
	}
	if rep.MeanComposite <= 0 || rep.MeanComposite > 1 {
		t.Errorf("mean composite %f out of range", rep.MeanComposite)
	}
	if _, ok := rep.DeviceMeans["a"]; !ok {
		t.Error("expected per-device mean for 'a'")
	}

	// A zero-length period sees nothing
	empty := m.Report(0)
	if empty.Snapshots != 0 {
		t.Errorf("expected empty report, got %d snapshots", empty.Snapshots)
	}
}

func TestStartStop(t *testing.T) {
	src := newFakeSource()
	src.set("a", 50, 0, registry.StateSynchronized)

	m := NewMonitor(src, stepClock(), 10*time.Millisecond)
	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	rep := m.Report(time.Hour)
	if rep.Snapshots == 0 {
		t.Error("expected loop to take snapshots")
	}
}
