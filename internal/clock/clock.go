// ABOUTME: Monotonic high-resolution master clock for the sync engine
// ABOUTME: Calibrates against the wall clock once at startup, then reads only the monotonic counter
package clock

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// ErrClockInit is returned when the monotonic counter cannot be calibrated.
// There is no fallback clock: every downstream precision guarantee depends
// on this one.
var ErrClockInit = errors.New("monotonic clock initialization failed")

const (
	// Calibration samples taken at startup
	calibrationSamples = 128

	// Pause between calibration samples
	calibrationInterval = 200 * time.Microsecond

	// PrecisionExp is the clock resolution as an NTP precision exponent
	// (2^-20 s ≈ 1µs)
	PrecisionExp = -20
)

// MasterClock is the single authoritative time source for a session.
// NowMicros never decreases within a process lifetime; the wall-clock
// calibration exists only so logged timestamps are human-readable, all
// synchronization math is relative.
type MasterClock struct {
	anchor     time.Time // Carries the monotonic reading
	wallOffset int64     // Unix µs at the anchor instant
}

// New calibrates and returns the master clock
func New() (*MasterClock, error) {
	anchor := time.Now()

	// Sample wall clock against the monotonic counter. The median offset
	// absorbs scheduling noise and any wall-clock step during calibration.
	offsets := make([]int64, 0, calibrationSamples)
	lastElapsed := int64(-1)
	advanced := false

	for i := 0; i < calibrationSamples; i++ {
		now := time.Now()
		elapsed := now.Sub(anchor).Microseconds()
		if elapsed > lastElapsed {
			advanced = true
		}
		if elapsed < lastElapsed {
			return nil, fmt.Errorf("%w: monotonic counter went backwards", ErrClockInit)
		}
		lastElapsed = elapsed
		offsets = append(offsets, now.UnixMicro()-elapsed)
		time.Sleep(calibrationInterval)
	}

	if !advanced {
		return nil, fmt.Errorf("%w: monotonic counter did not advance over %d samples", ErrClockInit, calibrationSamples)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	wallOffset := offsets[len(offsets)/2]

	log.Printf("Master clock calibrated: %d samples, wall offset %dµs", calibrationSamples, wallOffset)

	return &MasterClock{
		anchor:     anchor,
		wallOffset: wallOffset,
	}, nil
}

// NowMicros returns the master timestamp in microseconds. Safe for
// concurrent use; never blocks.
func (c *MasterClock) NowMicros() int64 {
	return c.wallOffset + time.Since(c.anchor).Microseconds()
}

// Elapsed returns time since clock start
func (c *MasterClock) Elapsed() time.Duration {
	return time.Since(c.anchor)
}

// ReferenceMicros returns the master timestamp of the calibration instant
func (c *MasterClock) ReferenceMicros() int64 {
	return c.wallOffset
}

// Until converts a master timestamp into a duration from now. Negative if
// the instant has already passed.
func (c *MasterClock) Until(masterMicros int64) time.Duration {
	return time.Duration(masterMicros-c.NowMicros()) * time.Microsecond
}
