// ABOUTME: Network sync coordinator computing coordinated begin-at instants
// ABOUTME: Plans per-device compensation, dispatches start instructions, and collects acks
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/google/uuid"
)

// ErrDeviceUnreachable marks a device that could not be dispatched to or
// did not acknowledge in time; the action proceeds without it
var ErrDeviceUnreachable = errors.New("device unreachable")

// ErrNoDevices is returned when a coordination request names no devices
var ErrNoDevices = errors.New("no devices for coordinated action")

// ErrCancelTooLate is returned when a cancellation cannot be guaranteed to
// reach devices before they fire; it is still dispatched as a best effort
var ErrCancelTooLate = errors.New("cancellation past the guarantee deadline")

// Config holds coordination timing knobs
type Config struct {
	SafetyMarginMs    int64 // Covers scheduling jitter beyond measured latency
	LeadTimeFloorMs   int64 // Minimum lead time regardless of latency
	CommandBudgetMs   int64 // Device-side command processing allowance
	MinLatencySamples int   // Latency window size per device
}

// DefaultConfig returns the stock coordination knobs
func DefaultConfig() Config {
	return Config{
		SafetyMarginMs:    10,
		LeadTimeFloorMs:   500,
		CommandBudgetMs:   50,
		MinLatencySamples: 5,
	}
}

// fallbackLatencyUs is used when no device has any latency history at all
const fallbackLatencyUs = 100000

// StatusStore is the registry surface the coordinator needs
type StatusStore interface {
	LatencySamples(deviceID string, k int) []int64
	MarkOutOfSync(deviceID string)
}

// Dispatcher delivers instructions to connected devices
type Dispatcher interface {
	DispatchStart(deviceID string, msg protocol.ActionStart) error
	DispatchCancel(deviceID string, msg protocol.ActionCancel) error
}

// DevicePlan is one device's share of a coordinated action
type DevicePlan struct {
	DeviceID       string
	MeanLatencyUs  int64
	CompensationUs int64
	LocalFireUs    int64 // StartAt in master µs; devices convert with their own offset
	Defaulted      bool  // True when latency history was empty
}

// Plan is an immutable coordination plan; StartAt is computed once per
// request and never revised
type Plan struct {
	ActionID     string
	Action       string
	StartAtUs    int64
	AckByUs      int64
	MaxLatencyUs int64
	Devices      map[string]DevicePlan
}

// Result reports which devices made the synchronized set
type Result struct {
	ActionID     string
	StartAtUs    int64
	Synchronized []string
	Failed       map[string]string // device id -> reason
	Cancelled    bool
}

type pendingAction struct {
	plan  *Plan
	acks  chan protocol.ActionAck
	acked map[string]bool
}

// Coordinator issues coordinated begin-at instructions. Invoked on demand;
// safe to run concurrently with the time service and quality monitor.
type Coordinator struct {
	config     Config
	now        func() int64
	store      StatusStore
	dispatcher Dispatcher

	mu      sync.Mutex
	pending map[string]*pendingAction
}

// New creates a coordinator. now supplies master timestamps.
func New(config Config, now func() int64, store StatusStore, dispatcher Dispatcher) *Coordinator {
	if config.MinLatencySamples <= 0 {
		config.MinLatencySamples = 5
	}
	return &Coordinator{
		config:     config,
		now:        now,
		store:      store,
		dispatcher: dispatcher,
		pending:    make(map[string]*pendingAction),
	}
}

// PlanAction computes the common start instant and per-device lead times.
// Devices without latency history are excluded from the max-latency
// computation and assigned twice the largest known mean instead.
func (c *Coordinator) PlanAction(action string, deviceIDs []string) (*Plan, error) {
	if len(deviceIDs) == 0 {
		return nil, ErrNoDevices
	}

	stats := make(map[string]LatencyStats, len(deviceIDs))
	var maxLatency int64
	for _, id := range deviceIDs {
		st := ComputeLatencyStats(c.store.LatencySamples(id, c.config.MinLatencySamples))
		stats[id] = st
		if st.Samples > 0 && st.MeanUs > maxLatency {
			maxLatency = st.MeanUs
		}
	}

	marginUs := c.config.SafetyMarginMs * 1000
	budgetUs := c.config.CommandBudgetMs * 1000
	floorUs := c.config.LeadTimeFloorMs * 1000

	leadUs := maxLatency + marginUs + budgetUs
	if leadUs < floorUs {
		leadUs = floorUs
	}

	startAt := c.now() + leadUs

	plan := &Plan{
		ActionID:     uuid.New().String(),
		Action:       action,
		StartAtUs:    startAt,
		AckByUs:      startAt - marginUs,
		MaxLatencyUs: maxLatency,
		Devices:      make(map[string]DevicePlan, len(deviceIDs)),
	}

	for _, id := range deviceIDs {
		st := stats[id]
		mean := st.MeanUs
		defaulted := st.Samples == 0
		if defaulted {
			if maxLatency > 0 {
				mean = 2 * maxLatency
			} else {
				mean = fallbackLatencyUs
			}
		}

		comp := maxLatency - mean
		if comp < 0 {
			comp = 0
		}

		plan.Devices[id] = DevicePlan{
			DeviceID:       id,
			MeanLatencyUs:  mean,
			CompensationUs: comp + marginUs,
			LocalFireUs:    startAt,
			Defaulted:      defaulted,
		}
	}

	return plan, nil
}

// Execute plans, dispatches, and waits for acknowledgements until the ack
// deadline. Devices that fail to acknowledge are marked OUT_OF_SYNC and
// excluded; the action proceeds for the rest.
func (c *Coordinator) Execute(ctx context.Context, action string, deviceIDs []string) (*Result, error) {
	plan, err := c.PlanAction(action, deviceIDs)
	if err != nil {
		return nil, err
	}

	pa := &pendingAction{
		plan:  plan,
		acks:  make(chan protocol.ActionAck, len(deviceIDs)),
		acked: make(map[string]bool),
	}

	c.mu.Lock()
	c.pending[plan.ActionID] = pa
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, plan.ActionID)
		c.mu.Unlock()
	}()

	result := &Result{
		ActionID:  plan.ActionID,
		StartAtUs: plan.StartAtUs,
		Failed:    make(map[string]string),
	}

	dispatched := 0
	for id, dp := range plan.Devices {
		msg := protocol.ActionStart{
			ActionID:       plan.ActionID,
			Action:         action,
			StartAt:        plan.StartAtUs,
			CompensationUs: dp.CompensationUs,
			AckBy:          plan.AckByUs,
		}
		if err := c.dispatcher.DispatchStart(id, msg); err != nil {
			log.Printf("Dispatch to %s failed: %v", id, err)
			c.store.MarkOutOfSync(id)
			result.Failed[id] = fmt.Sprintf("dispatch: %v", err)
			continue
		}
		dispatched++
	}

	log.Printf("Action %s (%s): start at %d, dispatched to %d/%d devices",
		plan.ActionID, action, plan.StartAtUs, dispatched, len(plan.Devices))

	if dispatched > 0 {
		c.collectAcks(ctx, pa, result)
	}

	if result.Cancelled {
		return result, nil
	}

	for id := range plan.Devices {
		if pa.acked[id] {
			result.Synchronized = append(result.Synchronized, id)
		} else if _, failed := result.Failed[id]; !failed {
			c.store.MarkOutOfSync(id)
			result.Failed[id] = "no acknowledgement before deadline"
		}
	}

	log.Printf("Action %s: %d synchronized, %d failed",
		plan.ActionID, len(result.Synchronized), len(result.Failed))

	return result, nil
}

// collectAcks waits on a timer until the ack deadline; no busy-waiting
func (c *Coordinator) collectAcks(ctx context.Context, pa *pendingAction, result *Result) {
	wait := time.Duration(pa.plan.AckByUs-c.now()) * time.Microsecond
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case ack := <-pa.acks:
			if _, ok := pa.plan.Devices[ack.DeviceID]; ok {
				pa.acked[ack.DeviceID] = true
			}
			if len(pa.acked) == len(pa.plan.Devices) {
				return
			}
		case <-timer.C:
			return
		case <-ctx.Done():
			if err := c.cancelLocked(pa.plan, "context cancelled"); err != nil {
				log.Printf("Cancel of %s: %v", pa.plan.ActionID, err)
			}
			result.Cancelled = true
			return
		}
	}
}

// HandleAck routes a device acknowledgement to its pending action
func (c *Coordinator) HandleAck(ack protocol.ActionAck) {
	c.mu.Lock()
	pa, ok := c.pending[ack.ActionID]
	c.mu.Unlock()

	if !ok {
		log.Printf("Ack for unknown action %s from %s", ack.ActionID, ack.DeviceID)
		return
	}

	select {
	case pa.acks <- ack:
	default:
		// Duplicate acks past channel capacity carry no information
	}
}

// Cancel withdraws an in-flight action. Guaranteed effective only if it
// reaches devices before StartAt - safety margin; later cancels are still
// dispatched but become a post-hoc stop.
func (c *Coordinator) Cancel(actionID, reason string) error {
	c.mu.Lock()
	pa, ok := c.pending[actionID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("cancel %s: action not pending", actionID)
	}
	return c.cancelLocked(pa.plan, reason)
}

func (c *Coordinator) cancelLocked(plan *Plan, reason string) error {
	msg := protocol.ActionCancel{ActionID: plan.ActionID, Reason: reason}
	for id := range plan.Devices {
		if err := c.dispatcher.DispatchCancel(id, msg); err != nil {
			log.Printf("Cancel dispatch to %s failed: %v", id, err)
		}
	}

	if c.now() > plan.AckByUs {
		return ErrCancelTooLate
	}
	return nil
}
