// ABOUTME: Device-side clock synchronization with drift compensation
// ABOUTME: Filters offset samples and projects device time onto the master timeline
package timesync

import (
	"log"
	"sync"
	"time"
)

// Quality represents sync quality as seen from the device
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	case QualityLost:
		return "lost"
	}
	return "unknown"
}

// Sample rejection thresholds
const (
	maxSampleRTTUs   = 100000 // Congested exchanges carry asymmetric delay
	maxResidualUs    = 50000  // Larger residuals indicate a clock jump
	degradedRTTUs    = 50000
	staleSyncTimeout = 5 * time.Second
)

// ClockSync tracks the offset to the master clock and its drift rate.
// Offset convention: master = device + offset.
type ClockSync struct {
	mu             sync.RWMutex
	offset         int64   // Master - device, µs
	drift          float64 // Dimensionless µs/µs
	rawOffset      int64
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // Device µs when offset/drift were last updated
	sampleCount    int
	gain           float64
}

// NewClockSync creates a clock synchronizer with no sync state
func NewClockSync() *ClockSync {
	return &ClockSync{
		gain:    0.1, // 10% weight to new samples
		quality: QualityLost,
	}
}

// ProcessSample folds one four-timestamp exchange into the filter.
// t1/t4 are device µs, t2/t3 are master µs.
func (cs *ClockSync) ProcessSample(t1, t2, t3, t4 int64) {
	rtt := (t4 - t1) - (t3 - t2)
	measured := ((t2 - t1) + (t3 - t4)) / 2 // Master - device

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.rawOffset = measured
	cs.lastSync = time.Now()

	if rtt > maxSampleRTTUs {
		log.Printf("Discarding sync sample: high RTT %dµs", rtt)
		return
	}

	// First sample: take the offset as-is, no drift estimate yet
	if cs.sampleCount == 0 {
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		log.Printf("Initial sync: offset=%dµs, rtt=%dµs", cs.offset, rtt)
		return
	}

	// Second sample: bootstrap the drift estimate
	if cs.sampleCount == 1 {
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		return
	}

	dt := float64(t4 - cs.lastSyncMicros)
	if dt <= 0 {
		log.Printf("Discarding sync sample: non-monotonic device time")
		return
	}

	// Predict from drift, then correct by a fixed-gain share of the residual
	predicted := cs.offset + int64(cs.drift*dt)
	residual := measured - predicted

	if residual > maxResidualUs || residual < -maxResidualUs {
		log.Printf("Discarding sync sample: residual %dµs suggests a clock jump", residual)
		return
	}

	cs.offset = predicted + int64(cs.gain*float64(residual))
	cs.drift += cs.gain * float64(residual) / dt
	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < degradedRTTUs {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}
}

// MasterAt projects a device timestamp onto the master timeline
func (cs *ClockSync) MasterAt(deviceUs int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return deviceUs
	}

	dt := deviceUs - cs.lastSyncMicros
	return deviceUs + cs.offset + int64(cs.drift*float64(dt))
}

// MasterMicros returns the current time in the master's reference frame
func (cs *ClockSync) MasterMicros() int64 {
	return cs.MasterAt(DeviceMicros())
}

// UntilMaster returns the duration until a master-timeline instant
func (cs *ClockSync) UntilMaster(masterUs int64) time.Duration {
	return time.Duration(masterUs-cs.MasterMicros()) * time.Microsecond
}

// OffsetUs returns the device-minus-master offset, the sign convention
// used in observation reports
func (cs *ClockSync) OffsetUs() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return -cs.offset
}

// Stats returns the current offset estimate, last RTT, and quality
func (cs *ClockSync) Stats() (offsetUs, rttUs int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return -cs.offset, cs.rtt, cs.quality
}

// Synced reports whether at least one sample has been accepted
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sampleCount > 0
}

// CheckQuality downgrades quality when samples stop arriving
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if time.Since(cs.lastSync) > staleSyncTimeout {
		cs.quality = QualityLost
	}
	return cs.quality
}

// DeviceMicros returns the raw device clock in Unix µs. Use MasterMicros
// for anything that leaves the device.
func DeviceMicros() int64 {
	return time.Now().UnixMicro()
}
