// ABOUTME: Periodic quality monitor with degradation detection and alert fanout
// ABOUTME: Samples tracker state off the timing-critical path and builds session reports
package quality

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/metrics"
	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
)

// Alert kinds raised by degradation detection
const (
	AlertPrecisionDegradation = "precision_degradation"
	AlertSuccessRateDecline   = "success_rate_decline"
)

// Degradation detection tuning
const (
	trendWindow       = 10   // Composite snapshots kept for trend analysis
	trendSlopeMin     = 0.05 // Total composite drop across the window that flags a trend
	successDropMin    = 0.05 // 5 percentage points
	stabilityDepth    = 10   // Observations fed to the stability score
	reportKeepDefault = 4096 // Snapshot ring size for report building
)

// Alert is an observability event, never an error
type Alert struct {
	Kind     string
	Message  string
	RaisedAt int64 // Master µs
}

// AlertFunc receives alerts; delivery never blocks the monitor loop
type AlertFunc func(Alert)

// Snapshot is one monitoring pass over all devices
type Snapshot struct {
	TakenAt      int64 // Master µs
	DeviceScores map[string]float64
	Composite    float64 // Mean device score
	SuccessRate  float64 // Fraction SYNCHRONIZED or ACCEPTABLE
	Devices      int
}

// Report summarizes session quality over a time period
type Report struct {
	PeriodStartUs int64
	PeriodEndUs   int64
	Snapshots     int
	MeanComposite float64
	MinComposite  float64
	MeanSuccess   float64
	DeviceMeans   map[string]float64
	Alerts        []Alert
}

// StatusSource is the tracker surface the monitor reads
type StatusSource interface {
	Statuses() map[string]registry.SyncStatus
	History(deviceID string, n int) []registry.Observation
}

// Monitor polls sync state on a fixed period. Read-only against tracker
// state; the only thing it writes is its own snapshot ring and alerts.
type Monitor struct {
	source   StatusSource
	now      func() int64
	interval time.Duration

	mu          sync.Mutex
	subscribers []AlertFunc
	trend       []Snapshot // Last trendWindow snapshots
	ring        []Snapshot // Bounded history for reports
	alerts      []Alert

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a quality monitor polling at interval
func NewMonitor(source StatusSource, now func() int64, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		source:   source,
		now:      now,
		interval: interval,
	}
}

// Subscribe registers an alert callback
func (m *Monitor) Subscribe(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start launches the monitoring loop
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Stop shuts the loop down deterministically
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sample runs one monitoring pass. Exported so tests and the engine can
// drive passes without the ticker.
func (m *Monitor) Sample() Snapshot {
	statuses := m.source.Statuses()

	snap := Snapshot{
		TakenAt:      m.now(),
		DeviceScores: make(map[string]float64, len(statuses)),
		Devices:      len(statuses),
	}

	good := 0
	for id, st := range statuses {
		score := Composite(st, m.source.History(id, stabilityDepth))
		snap.DeviceScores[id] = score
		snap.Composite += score
		if st.State == registry.StateSynchronized || st.State == registry.StateAcceptable {
			good++
		}

		metrics.DeviceOffset.WithLabelValues(id).Set(float64(st.LastOffsetUs))
		metrics.DeviceDriftRate.WithLabelValues(id).Set(st.DriftRateUsPerSec)
		metrics.DeviceQuality.WithLabelValues(id).Set(score)
	}

	if len(statuses) > 0 {
		snap.Composite /= float64(len(statuses))
		snap.SuccessRate = float64(good) / float64(len(statuses))
	}

	metrics.OverallQuality.Set(snap.Composite)
	metrics.SyncedDevices.Set(float64(good))

	m.mu.Lock()
	prev := m.trend
	m.trend = append(m.trend, snap)
	if len(m.trend) > trendWindow {
		m.trend = m.trend[len(m.trend)-trendWindow:]
	}
	m.ring = append(m.ring, snap)
	if len(m.ring) > reportKeepDefault {
		m.ring = m.ring[len(m.ring)-reportKeepDefault:]
	}
	m.mu.Unlock()

	m.detectDegradation(prev, snap)

	return snap
}

// detectDegradation flags worsening trends; prev is the trend window as it
// stood before this snapshot
func (m *Monitor) detectDegradation(prev []Snapshot, snap Snapshot) {
	if snap.Devices == 0 || len(prev) == 0 {
		return
	}

	last := prev[len(prev)-1]

	if last.SuccessRate-snap.SuccessRate > successDropMin {
		m.raise(Alert{
			Kind:     AlertSuccessRateDecline,
			Message:  "synchronized device fraction dropped more than 5 percentage points",
			RaisedAt: snap.TakenAt,
		})
	}

	if len(prev) >= trendWindow-1 {
		window := append(append([]Snapshot{}, prev...), snap)
		if monotonicWorsening(window) && window[0].Composite-snap.Composite > trendSlopeMin {
			m.raise(Alert{
				Kind:     AlertPrecisionDegradation,
				Message:  "composite quality worsening monotonically",
				RaisedAt: snap.TakenAt,
			})
		}
	}
}

func monotonicWorsening(window []Snapshot) bool {
	for i := 1; i < len(window); i++ {
		if window[i].Composite > window[i-1].Composite {
			return false
		}
	}
	return true
}

// raise fans an alert out to subscribers. Each callback runs on its own
// goroutine with panic containment so a bad subscriber cannot stall or
// kill the loop.
func (m *Monitor) raise(alert Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	subs := make([]AlertFunc, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	log.Printf("Quality alert: %s (%s)", alert.Kind, alert.Message)
	metrics.AlertsRaised.WithLabelValues(alert.Kind).Inc()

	for _, fn := range subs {
		fn := fn
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Alert subscriber panicked: %v", r)
				}
			}()
			fn(alert)
		}()
	}
}

// Report aggregates snapshots from the trailing period
func (m *Monitor) Report(period time.Duration) Report {
	end := m.now()
	start := end - period.Microseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{
		PeriodStartUs: start,
		PeriodEndUs:   end,
		MinComposite:  1.0,
		DeviceMeans:   make(map[string]float64),
	}

	counts := make(map[string]int)
	for _, snap := range m.ring {
		if snap.TakenAt < start {
			continue
		}
		rep.Snapshots++
		rep.MeanComposite += snap.Composite
		rep.MeanSuccess += snap.SuccessRate
		if snap.Composite < rep.MinComposite {
			rep.MinComposite = snap.Composite
		}
		for id, score := range snap.DeviceScores {
			rep.DeviceMeans[id] += score
			counts[id]++
		}
	}

	if rep.Snapshots > 0 {
		rep.MeanComposite /= float64(rep.Snapshots)
		rep.MeanSuccess /= float64(rep.Snapshots)
	} else {
		rep.MinComposite = 0
	}
	for id, n := range counts {
		rep.DeviceMeans[id] /= float64(n)
	}

	for _, a := range m.alerts {
		if a.RaisedAt >= start && a.RaisedAt <= end {
			rep.Alerts = append(rep.Alerts, a)
		}
	}

	return rep
}
