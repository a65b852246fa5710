// ABOUTME: Tests for coordinated start planning and dispatch
// ABOUTME: Covers compensation math, lead-time floor, missing history, acks, and cancellation
package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
)

// fakeStore serves canned latency samples
type fakeStore struct {
	mu        sync.Mutex
	samples   map[string][]int64
	outOfSync map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		samples:   make(map[string][]int64),
		outOfSync: make(map[string]bool),
	}
}

func (f *fakeStore) LatencySamples(deviceID string, k int) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[deviceID]
}

func (f *fakeStore) MarkOutOfSync(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outOfSync[deviceID] = true
}

// fakeDispatcher records dispatches and can auto-ack into a coordinator
type fakeDispatcher struct {
	mu      sync.Mutex
	starts  map[string]protocol.ActionStart
	cancels map[string]protocol.ActionCancel
	failFor map[string]bool
	ackInto *Coordinator
	ackSkip map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		starts:  make(map[string]protocol.ActionStart),
		cancels: make(map[string]protocol.ActionCancel),
		failFor: make(map[string]bool),
		ackSkip: make(map[string]bool),
	}
}

func (f *fakeDispatcher) DispatchStart(deviceID string, msg protocol.ActionStart) error {
	f.mu.Lock()
	fail := f.failFor[deviceID]
	skip := f.ackSkip[deviceID]
	f.starts[deviceID] = msg
	ackInto := f.ackInto
	f.mu.Unlock()

	if fail {
		return errors.New("connection reset")
	}
	if ackInto != nil && !skip {
		go ackInto.HandleAck(protocol.ActionAck{
			ActionID: msg.ActionID,
			DeviceID: deviceID,
		})
	}
	return nil
}

func (f *fakeDispatcher) DispatchCancel(deviceID string, msg protocol.ActionCancel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[deviceID] = msg
	return nil
}

func fixedNow(at int64) func() int64 {
	return func() int64 { return at }
}

func TestPlanCompensationAgainstSlowestDevice(t *testing.T) {
	store := newFakeStore()
	// Mean latencies 5ms, 40ms, 15ms
	store.samples["a"] = []int64{5000, 5000, 5000, 5000, 5000}
	store.samples["b"] = []int64{40000, 40000, 40000, 40000, 40000}
	store.samples["c"] = []int64{15000, 15000, 15000, 15000, 15000}

	cfg := DefaultConfig()
	cfg.SafetyMarginMs = 0 // Verify the raw max - own term
	c := New(cfg, fixedNow(1000000), store, newFakeDispatcher())

	plan, err := c.PlanAction("start_recording", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	want := map[string]int64{"a": 35000, "b": 0, "c": 25000}
	for id, comp := range want {
		if got := plan.Devices[id].CompensationUs; got != comp {
			t.Errorf("device %s compensation = %dµs, want %dµs", id, got, comp)
		}
	}
	if plan.MaxLatencyUs != 40000 {
		t.Errorf("max latency = %d, want 40000", plan.MaxLatencyUs)
	}
}

func TestPlanStartTimeLowerBound(t *testing.T) {
	store := newFakeStore()
	store.samples["a"] = []int64{800000, 800000, 800000, 800000, 800000} // 800ms latency

	cfg := DefaultConfig()
	c := New(cfg, fixedNow(5000000), store, newFakeDispatcher())

	plan, err := c.PlanAction("start_recording", []string{"a"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	// T_start >= now + max_latency + safety_margin even past the floor
	minStart := int64(5000000) + 800000 + cfg.SafetyMarginMs*1000
	if plan.StartAtUs < minStart {
		t.Errorf("start %d earlier than now+max_latency+margin = %d", plan.StartAtUs, minStart)
	}
}

func TestPlanLeadTimeFloor(t *testing.T) {
	store := newFakeStore()
	store.samples["a"] = []int64{100, 100, 100, 100, 100} // Negligible latency

	cfg := DefaultConfig()
	c := New(cfg, fixedNow(0), store, newFakeDispatcher())

	plan, _ := c.PlanAction("start_recording", []string{"a"})

	if plan.StartAtUs < cfg.LeadTimeFloorMs*1000 {
		t.Errorf("start %dµs below the %dms lead-time floor", plan.StartAtUs, cfg.LeadTimeFloorMs)
	}
}

func TestPlanDeviceWithoutHistory(t *testing.T) {
	store := newFakeStore()
	store.samples["known"] = []int64{20000, 20000, 20000, 20000, 20000}
	// "fresh" has no samples at all

	c := New(DefaultConfig(), fixedNow(0), store, newFakeDispatcher())

	plan, err := c.PlanAction("start_recording", []string{"known", "fresh"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	fresh := plan.Devices["fresh"]
	if !fresh.Defaulted {
		t.Error("expected device without history to be marked defaulted")
	}
	if fresh.MeanLatencyUs != 40000 {
		t.Errorf("expected 2x largest known latency (40000µs), got %d", fresh.MeanLatencyUs)
	}
	// Excluded from max-latency computation
	if plan.MaxLatencyUs != 20000 {
		t.Errorf("max latency = %d, want 20000 (fresh device excluded)", plan.MaxLatencyUs)
	}
}

func TestPlanAllDevicesWithoutHistory(t *testing.T) {
	store := newFakeStore()
	c := New(DefaultConfig(), fixedNow(0), store, newFakeDispatcher())

	plan, err := c.PlanAction("start_recording", []string{"x", "y"})
	if err != nil {
		t.Fatalf("plan with empty history crashed: %v", err)
	}

	for id, dp := range plan.Devices {
		if !dp.Defaulted {
			t.Errorf("device %s should be defaulted", id)
		}
		if dp.MeanLatencyUs != fallbackLatencyUs {
			t.Errorf("device %s latency = %d, want fallback %d", id, dp.MeanLatencyUs, fallbackLatencyUs)
		}
	}
}

func TestPlanNoDevices(t *testing.T) {
	c := New(DefaultConfig(), fixedNow(0), newFakeStore(), newFakeDispatcher())
	if _, err := c.PlanAction("start_recording", nil); !errors.Is(err, ErrNoDevices) {
		t.Errorf("expected ErrNoDevices, got %v", err)
	}
}

func TestExecuteAllAcked(t *testing.T) {
	store := newFakeStore()
	store.samples["a"] = []int64{1000, 1000, 1000, 1000, 1000}
	store.samples["b"] = []int64{2000, 2000, 2000, 2000, 2000}

	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.LeadTimeFloorMs = 100 // Keep the test fast

	clk := time.Now().UnixMicro
	c := New(cfg, clk, store, disp)
	disp.ackInto = c

	result, err := c.Execute(context.Background(), "start_recording", []string{"a", "b"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(result.Synchronized) != 2 {
		t.Errorf("expected 2 synchronized devices, got %d (failed: %v)", len(result.Synchronized), result.Failed)
	}
	if len(result.Failed) != 0 {
		t.Errorf("expected no failures, got %v", result.Failed)
	}
}

func TestExecutePartialSuccess(t *testing.T) {
	store := newFakeStore()
	store.samples["good"] = []int64{1000, 1000, 1000, 1000, 1000}
	store.samples["dead"] = []int64{1000, 1000, 1000, 1000, 1000}
	store.samples["mute"] = []int64{1000, 1000, 1000, 1000, 1000}

	disp := newFakeDispatcher()
	disp.failFor["dead"] = true // Dispatch error
	disp.ackSkip["mute"] = true // Dispatched but never acks

	cfg := DefaultConfig()
	cfg.LeadTimeFloorMs = 100

	c := New(cfg, time.Now().UnixMicro, store, disp)
	disp.ackInto = c

	result, err := c.Execute(context.Background(), "start_recording", []string{"good", "dead", "mute"})
	if err != nil {
		t.Fatalf("execute failed outright, want partial success: %v", err)
	}

	if len(result.Synchronized) != 1 || result.Synchronized[0] != "good" {
		t.Errorf("expected only 'good' synchronized, got %v", result.Synchronized)
	}
	if _, ok := result.Failed["dead"]; !ok {
		t.Error("expected 'dead' in failed set")
	}
	if _, ok := result.Failed["mute"]; !ok {
		t.Error("expected 'mute' in failed set")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.outOfSync["dead"] || !store.outOfSync["mute"] {
		t.Error("expected failed devices marked OUT_OF_SYNC")
	}
	if store.outOfSync["good"] {
		t.Error("acked device must not be marked OUT_OF_SYNC")
	}
}

func TestExecuteContextCancellation(t *testing.T) {
	store := newFakeStore()
	store.samples["a"] = []int64{1000, 1000, 1000, 1000, 1000}

	disp := newFakeDispatcher()
	disp.ackSkip["a"] = true // Keep the action pending

	cfg := DefaultConfig()
	cfg.LeadTimeFloorMs = 2000 // Long window so cancel lands first

	c := New(cfg, time.Now().UnixMicro, store, disp)
	disp.ackInto = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := c.Execute(ctx, "start_recording", []string{"a"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if !result.Cancelled {
		t.Error("expected cancelled result")
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if _, ok := disp.cancels["a"]; !ok {
		t.Error("expected cancel dispatched to device")
	}
}

func TestLatencyStats(t *testing.T) {
	st := ComputeLatencyStats([]int64{5000, 7000, 6000})
	if st.MeanUs != 6000 {
		t.Errorf("mean = %d, want 6000", st.MeanUs)
	}
	if st.MinUs != 5000 || st.MaxUs != 7000 {
		t.Errorf("min/max = %d/%d, want 5000/7000", st.MinUs, st.MaxUs)
	}
	if st.JitterUs != 2000 {
		t.Errorf("jitter = %d, want 2000", st.JitterUs)
	}

	empty := ComputeLatencyStats(nil)
	if empty.Samples != 0 {
		t.Errorf("expected zero stats for empty input")
	}
}
