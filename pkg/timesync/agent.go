// ABOUTME: Device agent tying clock sync, observation reporting, and
// ABOUTME: coordinated action firing into one run loop
package timesync

import (
	"context"
	"fmt"
	"log"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/ntp"
	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
)

const (
	defaultSyncInterval = time.Second
	queryTimeout        = 2 * time.Second

	// Coarse timer wakes this far before the fire instant; the remainder
	// is closed with a yield loop
	fineWaitWindow = 2 * time.Millisecond
)

// Action is a coordinated action delivered to the device callback
type Action struct {
	ID          string
	Name        string
	ScheduledAt int64 // Master µs the fleet agreed on
	FiredAt     int64 // Master µs when the callback actually ran
}

// AgentConfig holds device agent configuration
type AgentConfig struct {
	EngineAddr   string // host:port of the engine control endpoint
	HardwareID   string
	Name         string
	Class        string
	SyncInterval time.Duration
	DeviceInfo   *protocol.DeviceInfo

	// OnAction fires on the agreed instant. Runs on its own goroutine;
	// must not block for long.
	OnAction func(Action)
}

// AgentStatus is a snapshot for UIs and logging
type AgentStatus struct {
	Connected    bool
	DeviceID     string
	OffsetUs     int64
	RTTUs        int64
	Quality      Quality
	LastAction   string
	Observations int
}

// Agent runs the device side of the protocol: it keeps the clock
// synchronized, reports observations, and fires coordinated actions
type Agent struct {
	config  AgentConfig
	client  *Client
	clock   *ClockSync
	ntpAddr string

	mu           sync.RWMutex
	deviceID     string
	lastAction   string
	observations int

	pendingMu sync.Mutex
	pending   map[string]chan struct{} // Action id -> cancel signal

	wg sync.WaitGroup
}

// NewAgent creates a device agent
func NewAgent(config AgentConfig) *Agent {
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}
	return &Agent{
		config:  config,
		clock:   NewClockSync(),
		pending: make(map[string]chan struct{}),
	}
}

// Run connects to the engine and services the protocol until the
// context is cancelled
func (a *Agent) Run(ctx context.Context) error {
	a.client = NewClient(ClientConfig{
		EngineAddr: a.config.EngineAddr,
		HardwareID: a.config.HardwareID,
		Name:       a.config.Name,
		Class:      a.config.Class,
		Version:    1,
		DeviceInfo: a.config.DeviceInfo,
	})

	hello, err := a.client.Connect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	a.mu.Lock()
	a.deviceID = hello.DeviceID
	a.mu.Unlock()

	host, _, err := net.SplitHostPort(a.config.EngineAddr)
	if err != nil {
		host = a.config.EngineAddr
	}
	a.ntpAddr = net.JoinHostPort(host, strconv.Itoa(hello.NTPPort))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.syncLoop(ctx)
	}()

	a.serveActions(ctx)

	a.client.Goodbye("shutdown")
	a.client.Close()
	a.wg.Wait()
	return nil
}

// syncLoop measures the clock offset on a fixed period and reports
// each accepted observation
func (a *Agent) syncLoop(ctx context.Context) {
	// Immediate first measurement, then the ticker
	a.syncOnce(ctx)

	ticker := time.NewTicker(a.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.syncOnce(ctx)
			a.clock.CheckQuality()
		}
	}
}

// syncOnce runs one measurement over UDP, falling back to the
// WebSocket-framed exchange when UDP cannot get through
func (a *Agent) syncOnce(ctx context.Context) {
	sample, err := ntp.QueryClock(a.ntpAddr, queryTimeout, DeviceMicros)
	if err != nil {
		log.Printf("UDP time query failed, falling back to control channel: %v", err)
		sample, err = a.queryOverControl(ctx)
		if err != nil {
			log.Printf("Control-channel time query failed: %v", err)
			return
		}
	}

	a.clock.ProcessSample(sample.T1, sample.T2, sample.T3, sample.T4)

	obs := protocol.DeviceObservation{
		DeviceID:    a.DeviceID(),
		MeasuredAt:  a.clock.MasterMicros(),
		OffsetUs:    sample.OffsetUs,
		RoundTripUs: sample.RoundTripUs,
	}
	if err := a.client.SendObservation(obs); err != nil {
		log.Printf("Failed to report observation: %v", err)
		return
	}

	a.mu.Lock()
	a.observations++
	a.mu.Unlock()
}

// queryOverControl runs the four-timestamp exchange over the WebSocket
func (a *Agent) queryOverControl(ctx context.Context) (*ntp.Sample, error) {
	t1 := DeviceMicros()
	if err := a.client.SendTimeQuery(t1); err != nil {
		return nil, err
	}

	select {
	case resp := <-a.client.TimeResp:
		t4 := DeviceMicros()
		rtt := (t4 - t1) - (resp.EngineTransmitted - resp.EngineReceived)
		offset := ((resp.EngineReceived - t1) + (resp.EngineTransmitted - t4)) / 2
		return &ntp.Sample{
			OffsetUs:    -offset, // Device - master
			RoundTripUs: rtt,
			T1:          t1,
			T2:          resp.EngineReceived,
			T3:          resp.EngineTransmitted,
			T4:          t4,
		}, nil
	case <-time.After(queryTimeout):
		return nil, fmt.Errorf("time query timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serveActions handles start and cancel instructions until shutdown
func (a *Agent) serveActions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case start := <-a.client.Actions:
			ack := protocol.ActionAck{
				ActionID:   start.ActionID,
				DeviceID:   a.DeviceID(),
				ReceivedAt: a.clock.MasterMicros(),
			}
			if err := a.client.SendAck(ack); err != nil {
				log.Printf("Failed to ack action %s: %v", start.ActionID, err)
			}

			cancelCh := make(chan struct{})
			a.pendingMu.Lock()
			a.pending[start.ActionID] = cancelCh
			a.pendingMu.Unlock()

			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.fireAt(ctx, start, cancelCh)
			}()

		case cancel := <-a.client.Cancels:
			a.pendingMu.Lock()
			if ch, ok := a.pending[cancel.ActionID]; ok {
				close(ch)
				delete(a.pending, cancel.ActionID)
			}
			a.pendingMu.Unlock()
			log.Printf("Action %s cancelled: %s", cancel.ActionID, cancel.Reason)
		}
	}
}

// fireAt waits out the lead time on a timer, closes the final window
// with a yield loop, and invokes the callback on the agreed instant
func (a *Agent) fireAt(ctx context.Context, start protocol.ActionStart, cancelCh chan struct{}) {
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, start.ActionID)
		a.pendingMu.Unlock()
	}()

	coarse := a.clock.UntilMaster(start.StartAt) - fineWaitWindow
	if coarse > 0 {
		timer := time.NewTimer(coarse)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-cancelCh:
			return
		case <-ctx.Done():
			return
		}
	}

	// Sub-millisecond approach: yield instead of sleeping so the wake-up
	// jitter stays small
	for a.clock.MasterMicros() < start.StartAt {
		select {
		case <-cancelCh:
			return
		default:
		}
		runtime.Gosched()
	}

	fired := a.clock.MasterMicros()
	a.mu.Lock()
	a.lastAction = start.Action
	a.mu.Unlock()

	log.Printf("Action %s (%s) fired at %d (scheduled %d, error %dµs)",
		start.ActionID, start.Action, fired, start.StartAt, fired-start.StartAt)

	if a.config.OnAction != nil {
		a.config.OnAction(Action{
			ID:          start.ActionID,
			Name:        start.Action,
			ScheduledAt: start.StartAt,
			FiredAt:     fired,
		})
	}
}

// DeviceID returns the engine-assigned device id
func (a *Agent) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}

// Clock exposes the agent's clock synchronizer
func (a *Agent) Clock() *ClockSync {
	return a.clock
}

// Status returns a snapshot for display
func (a *Agent) Status() AgentStatus {
	offset, rtt, quality := a.clock.Stats()

	a.mu.RLock()
	defer a.mu.RUnlock()

	connected := a.client != nil && a.client.IsConnected()
	return AgentStatus{
		Connected:    connected,
		DeviceID:     a.deviceID,
		OffsetUs:     offset,
		RTTUs:        rtt,
		Quality:      quality,
		LastAction:   a.lastAction,
		Observations: a.observations,
	}
}
