// ABOUTME: Drift compensator converting raw device timestamps to master time
// ABOUTME: Publishes fitted models atomically; identity mapping until enough samples exist
package drift

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
)

// ErrInsufficientData is returned when a device has too few observations
// to fit a model. Callers fall back to the identity mapping.
var ErrInsufficientData = errors.New("insufficient observations for drift model")

// DefaultMinSamples is the minimum observation count before a model is
// published for a device
const DefaultMinSamples = 10

// HistorySource supplies per-device observation history, most recent last
type HistorySource interface {
	History(deviceID string, n int) []registry.Observation
}

// Compensator owns per-device drift models. Model replacement is a single
// swap under the write lock: concurrent readers see either the old model
// or the new one in full, never a partial fit.
type Compensator struct {
	source     HistorySource
	minSamples int
	window     int
	strategy   Strategy

	mu     sync.RWMutex
	models map[string]*Model
}

// NewCompensator creates a compensator fitting with the given strategy.
// window bounds how many recent observations feed a fit (0 = all retained).
func NewCompensator(source HistorySource, minSamples, window int, strategy Strategy) *Compensator {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Compensator{
		source:     source,
		minSamples: minSamples,
		window:     window,
		strategy:   strategy,
		models:     make(map[string]*Model),
	}
}

// CreateModel fits and publishes a fresh drift model for the device. The
// fit runs outside the lock; only the install is serialized.
func (c *Compensator) CreateModel(deviceID string, now int64) (*Model, error) {
	obs := c.source.History(deviceID, c.window)
	if len(obs) < c.minSamples {
		return nil, fmt.Errorf("device %s has %d observations, need %d: %w",
			deviceID, len(obs), c.minSamples, ErrInsufficientData)
	}

	m := fit(c.strategy, obs)
	m.CreatedAt = now

	c.mu.Lock()
	c.models[deviceID] = m
	c.mu.Unlock()

	log.Printf("Drift model for %s: %s slope=%.2fµs/s residual=%.1fµs over %d samples",
		deviceID, m.Strategy, m.SlopeUsPerSec(), m.ResidualUs, m.Samples)

	return m, nil
}

// Model returns the published model for a device, if any
func (c *Compensator) Model(deviceID string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[deviceID]
	return m, ok
}

// Compensate converts a raw device timestamp into master-time-equivalent
// microseconds. Identity when no model is published.
func (c *Compensator) Compensate(deviceID string, rawUs int64) int64 {
	c.mu.RLock()
	m, ok := c.models[deviceID]
	c.mu.RUnlock()

	if !ok {
		return rawUs
	}
	return rawUs - m.OffsetAt(rawUs)
}

// Drop removes a device's model, e.g. on deregistration
func (c *Compensator) Drop(deviceID string) {
	c.mu.Lock()
	delete(c.models, deviceID)
	c.mu.Unlock()
}

// Refresh refits models for every device that has accumulated enough
// observations since its current model
func (c *Compensator) Refresh(deviceIDs []string, now int64) {
	for _, id := range deviceIDs {
		obs := c.source.History(id, c.window)
		if len(obs) < c.minSamples {
			continue
		}

		c.mu.RLock()
		m, ok := c.models[id]
		c.mu.RUnlock()

		// Refit once at least minSamples observations arrived after the
		// window the current model was fitted on
		if ok {
			fresh := 0
			for i := len(obs) - 1; i >= 0 && obs[i].MeasuredAt > m.LastObsUs; i-- {
				fresh++
			}
			if fresh < c.minSamples {
				continue
			}
		}

		if _, err := c.CreateModel(id, now); err != nil {
			log.Printf("Drift model refresh for %s failed: %v", id, err)
		}
	}
}
