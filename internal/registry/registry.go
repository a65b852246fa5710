// ABOUTME: Device registry and per-device sync status tracking
// ABOUTME: Owns device identity, capability lookup, observation history, and classification
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/google/uuid"
)

// ErrUnknownDevice is returned for operations on unregistered device ids
var ErrUnknownDevice = errors.New("unknown device")

// State classifies how well a device tracks the master clock
type State int

const (
	StateInitializing State = iota
	StateSynchronized
	StateAcceptable
	StateDegraded
	StateOutOfSync
)

// Offset-magnitude classification thresholds in µs
const (
	SynchronizedMaxUs = 100
	AcceptableMaxUs   = 1000
	DegradedMaxUs     = 10000
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateSynchronized:
		return "SYNCHRONIZED"
	case StateAcceptable:
		return "ACCEPTABLE"
	case StateDegraded:
		return "DEGRADED"
	case StateOutOfSync:
		return "OUT_OF_SYNC"
	}
	return "UNKNOWN"
}

// Classify maps an offset magnitude to a sync state. Recomputed from
// scratch on every observation, never patched incrementally.
func Classify(offsetUs int64) State {
	if offsetUs < 0 {
		offsetUs = -offsetUs
	}
	switch {
	case offsetUs <= SynchronizedMaxUs:
		return StateSynchronized
	case offsetUs <= AcceptableMaxUs:
		return StateAcceptable
	case offsetUs <= DegradedMaxUs:
		return StateDegraded
	}
	return StateOutOfSync
}

// Capability is the timing profile a device class declares at registration
type Capability struct {
	PrecisionBudgetUs int64
	MaxSyncDelayMs    int64
}

// capabilities is the per-class lookup table; classification is looked up,
// not computed
var capabilities = map[string]Capability{
	protocol.ClassUSBCamera:         {PrecisionBudgetUs: 1000, MaxSyncDelayMs: 50},
	protocol.ClassMobileCaptureUnit: {PrecisionBudgetUs: 5000, MaxSyncDelayMs: 100},
	protocol.ClassWearableSensor:    {PrecisionBudgetUs: 10000, MaxSyncDelayMs: 200},
}

// Device is a registered recording device. Identity fields are immutable
// for the session lifetime.
type Device struct {
	ID           string
	HardwareID   string
	Name         string
	Class        string
	Capability   Capability
	RegisteredAt int64
}

// Observation is one immutable offset measurement for a device
type Observation struct {
	DeviceID    string
	MeasuredAt  int64 // Master µs
	OffsetUs    int64 // device_clock - master_clock
	RoundTripUs int64
}

// SyncStatus is the rolling per-device sync state
type SyncStatus struct {
	State             State
	LastOffsetUs      int64
	DriftRateUsPerSec float64
	LastUpdate        int64 // Master µs
	Observations      int
}

type entry struct {
	device  Device
	status  SyncStatus
	history []Observation
}

// Registry tracks connected devices and their sync status. All state
// mutated by concurrent callers lives here, behind a single lock; reads
// get snapshot semantics.
type Registry struct {
	mu        sync.RWMutex
	now       func() int64
	retention int
	entries   map[string]*entry // By device id
	byHW      map[string]string // Hardware id -> device id
}

// NewRegistry creates a registry. now supplies master timestamps;
// retention bounds per-device history length.
func NewRegistry(now func() int64, retention int) *Registry {
	if retention <= 0 {
		retention = 1000
	}
	return &Registry{
		now:       now,
		retention: retention,
		entries:   make(map[string]*entry),
		byHW:      make(map[string]string),
	}
}

// Register validates and registers a device. Re-registration under the
// same hardware id returns the existing device id with its status reset,
// so a restarting device does not become a duplicate.
func (r *Registry) Register(hello protocol.DeviceHello) (Device, error) {
	if hello.HardwareID == "" {
		return Device{}, fmt.Errorf("register: hardware id is required")
	}
	capability, ok := capabilities[hello.Class]
	if !ok {
		return Device{}, fmt.Errorf("register: unknown device class %q", hello.Class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byHW[hello.HardwareID]; ok {
		e := r.entries[id]
		e.status = SyncStatus{State: StateInitializing}
		e.history = e.history[:0]
		log.Printf("Device re-registered: %s (%s), status reset", e.device.Name, id)
		return e.device, nil
	}

	dev := Device{
		ID:           uuid.New().String(),
		HardwareID:   hello.HardwareID,
		Name:         hello.Name,
		Class:        hello.Class,
		Capability:   capability,
		RegisteredAt: r.now(),
	}

	r.entries[dev.ID] = &entry{
		device: dev,
		status: SyncStatus{State: StateInitializing},
	}
	r.byHW[hello.HardwareID] = dev.ID

	log.Printf("Device registered: %s (%s, class=%s)", dev.Name, dev.ID, dev.Class)
	return dev, nil
}

// Deregister removes a device and its history
func (r *Registry) Deregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return fmt.Errorf("deregister %s: %w", deviceID, ErrUnknownDevice)
	}
	delete(r.byHW, e.device.HardwareID)
	delete(r.entries, deviceID)

	log.Printf("Device deregistered: %s", deviceID)
	return nil
}

// RecordObservation appends an observation and reclassifies the device.
// Observations for a device are processed in arrival order.
func (r *Registry) RecordObservation(obs Observation) (SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[obs.DeviceID]
	if !ok {
		return SyncStatus{}, fmt.Errorf("observation for %s: %w", obs.DeviceID, ErrUnknownDevice)
	}

	var drift float64
	if n := len(e.history); n > 0 {
		prev := e.history[n-1]
		if dt := obs.MeasuredAt - prev.MeasuredAt; dt > 0 {
			// µs of offset change per second of master time
			drift = float64(obs.OffsetUs-prev.OffsetUs) / (float64(dt) / 1e6)
		} else {
			drift = e.status.DriftRateUsPerSec
		}
	}

	e.history = append(e.history, obs)
	if len(e.history) > r.retention {
		e.history = e.history[len(e.history)-r.retention:]
	}

	e.status = SyncStatus{
		State:             Classify(obs.OffsetUs),
		LastOffsetUs:      obs.OffsetUs,
		DriftRateUsPerSec: drift,
		LastUpdate:        r.now(),
		Observations:      len(e.history),
	}

	return e.status, nil
}

// MarkOutOfSync forces a device out of the synchronized set, used when it
// fails to acknowledge a coordinated action in time
func (r *Registry) MarkOutOfSync(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[deviceID]; ok {
		e.status.State = StateOutOfSync
		e.status.LastUpdate = r.now()
	}
}

// Device returns a device by id
func (r *Registry) Device(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return Device{}, false
	}
	return e.device, true
}

// Devices returns all registered devices
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.device)
	}
	return out
}

// Status returns the current sync status for a device
func (r *Registry) Status(deviceID string) (SyncStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return SyncStatus{}, fmt.Errorf("status of %s: %w", deviceID, ErrUnknownDevice)
	}
	return e.status, nil
}

// Statuses returns a status snapshot for every registered device
func (r *Registry) Statuses() map[string]SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]SyncStatus, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.status
	}
	return out
}

// History returns up to n most recent observations, oldest first
func (r *Registry) History(deviceID string, n int) []Observation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return nil
	}
	h := e.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]Observation, len(h))
	copy(out, h)
	return out
}

// LatencySamples returns the k most recent round-trip samples for a device
func (r *Registry) LatencySamples(deviceID string, k int) []int64 {
	obs := r.History(deviceID, k)
	out := make([]int64, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.RoundTripUs)
	}
	return out
}

// OverallQuality scores the whole registry in [0,1]; 0 when empty
func (r *Registry) OverallQuality() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return 0
	}

	var sum float64
	for _, e := range r.entries {
		off := float64(e.status.LastOffsetUs)
		if off < 0 {
			off = -off
		}
		drift := e.status.DriftRateUsPerSec
		if drift < 0 {
			drift = -drift
		}

		offsetScore := 1 - off/float64(DegradedMaxUs)
		if offsetScore < 0 {
			offsetScore = 0
		}
		driftScore := 1 - drift/1000
		if driftScore < 0 {
			driftScore = 0
		}
		sum += (offsetScore + driftScore) / 2
	}
	return sum / float64(len(r.entries))
}
