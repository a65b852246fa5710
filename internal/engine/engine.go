// ABOUTME: Synchronizer facade wiring the clock, time service, registry,
// ABOUTME: drift models, coordinator, and quality monitor into one engine
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/clock"
	"github.com/Chronosync-Protocol/chronosync-go/internal/config"
	"github.com/Chronosync-Protocol/chronosync-go/internal/coordinator"
	"github.com/Chronosync-Protocol/chronosync-go/internal/discovery"
	"github.com/Chronosync-Protocol/chronosync-go/internal/drift"
	"github.com/Chronosync-Protocol/chronosync-go/internal/metrics"
	"github.com/Chronosync-Protocol/chronosync-go/internal/ntp"
	"github.com/Chronosync-Protocol/chronosync-go/internal/quality"
	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Synchronizer is the master synchronization engine. It owns every
// subsystem and is the only type binaries need to construct.
type Synchronizer struct {
	config   config.Config
	engineID string

	clock       *clock.MasterClock
	registry    *registry.Registry
	compensator *drift.Compensator
	timeService *ntp.Server
	coord       *coordinator.Coordinator
	monitor     *quality.Monitor
	mdns        *discovery.Manager

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	clients   map[string]*client // By device id
	clientsMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a synchronizer from configuration. The master clock is
// calibrated here; a clock that cannot calibrate is a fatal condition.
func New(cfg config.Config) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk, err := clock.New()
	if err != nil {
		return nil, fmt.Errorf("master clock: %w", err)
	}

	reg := registry.NewRegistry(clk.NowMicros, cfg.Drift.Retention)

	strategy := drift.StrategyLinear
	if cfg.Drift.Strategy == "quadratic" {
		strategy = drift.StrategyQuadratic
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Synchronizer{
		config:      cfg,
		engineID:    uuid.New().String(),
		clock:       clk,
		registry:    reg,
		compensator: drift.NewCompensator(reg, cfg.Drift.MinSamples, cfg.Drift.FitWindow, strategy),
		timeService: ntp.NewServer(ntp.ServerConfig{Port: cfg.TimeService.Port, Debug: cfg.Engine.Debug}, clk),
		monitor: quality.NewMonitor(reg, clk.NowMicros,
			time.Duration(cfg.Quality.PollIntervalMs)*time.Millisecond),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local-network deployment; non-browser devices send no Origin
				return true
			},
		},
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.coord = coordinator.New(coordinator.Config{
		SafetyMarginMs:    cfg.Coordination.SafetyMarginMs,
		LeadTimeFloorMs:   cfg.Coordination.LeadTimeFloorMs,
		CommandBudgetMs:   cfg.Coordination.CommandBudgetMs,
		MinLatencySamples: cfg.Coordination.LatencySamples,
	}, clk.NowMicros, reg, s)

	return s, nil
}

// Start brings up the time service, control endpoint, quality monitor,
// and discovery. Non-blocking; pair with Stop.
func (s *Synchronizer) Start() error {
	log.Printf("Engine starting: %s (ID: %s)", s.config.Engine.Name, s.engineID)

	if err := s.timeService.Start(); err != nil {
		return fmt.Errorf("time service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chronosync", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Engine.ControlPort))
	if err != nil {
		s.timeService.Stop()
		return fmt.Errorf("control listener: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	log.Printf("Control endpoint listening on %s, time service on UDP %d",
		listener.Addr(), s.timeService.Port())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			log.Printf("Control server error: %v", err)
		}
	}()

	if s.config.Engine.EnableMDNS {
		s.mdns = discovery.NewManager(discovery.Config{
			InstanceName: s.config.Engine.Name,
			Port:         s.ControlPort(),
		})
		if err := s.mdns.Advertise(); err != nil {
			log.Printf("mDNS advertisement failed: %v", err)
		}
	}

	s.monitor.Start()

	s.wg.Add(1)
	go s.refreshLoop()

	return nil
}

// refreshLoop periodically refits drift models from accumulated history
func (s *Synchronizer) refreshLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.Quality.PollIntervalMs) * time.Millisecond * 5
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			devices := s.registry.Devices()
			ids := make([]string, 0, len(devices))
			for _, d := range devices {
				ids = append(ids, d.ID)
			}
			s.compensator.Refresh(ids, s.clock.NowMicros())
		}
	}
}

// Stop shuts everything down in dependency order
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		log.Printf("Engine shutting down")
		s.cancel()

		if s.mdns != nil {
			s.mdns.Stop()
		}
		s.monitor.Stop()

		s.closeClients()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("Control server shutdown error: %v", err)
			}
		}

		s.timeService.Stop()
		s.wg.Wait()
		log.Printf("Engine stopped cleanly")
	})
}

// MasterTimestamp returns the current master clock reading in µs
func (s *Synchronizer) MasterTimestamp() int64 {
	return s.clock.NowMicros()
}

// ControlPort returns the bound control port, useful when configured as 0
func (s *Synchronizer) ControlPort() int {
	if s.listener == nil {
		return s.config.Engine.ControlPort
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// TimeServicePort returns the bound UDP time service port
func (s *Synchronizer) TimeServicePort() int {
	return s.timeService.Port()
}

// RegisterDevice registers a device directly, bypassing the control
// channel. Used for co-located devices and tests.
func (s *Synchronizer) RegisterDevice(hello protocol.DeviceHello) (registry.Device, error) {
	dev, err := s.registry.Register(hello)
	if err != nil {
		return registry.Device{}, err
	}
	metrics.RegisteredDevices.Set(float64(len(s.registry.Devices())))
	return dev, nil
}

// DeregisterDevice removes a device, its drift model, and its connection
func (s *Synchronizer) DeregisterDevice(deviceID string) error {
	if err := s.registry.Deregister(deviceID); err != nil {
		return err
	}
	s.compensator.Drop(deviceID)
	s.dropClient(deviceID)
	metrics.RegisteredDevices.Set(float64(len(s.registry.Devices())))
	return nil
}

// RecordObservation feeds one offset measurement into the tracker
func (s *Synchronizer) RecordObservation(obs registry.Observation) (registry.SyncStatus, error) {
	status, err := s.registry.RecordObservation(obs)
	if err != nil {
		return registry.SyncStatus{}, err
	}
	metrics.Observations.WithLabelValues(obs.DeviceID).Inc()
	return status, nil
}

// DeviceStatus returns the tracked sync status for a device
func (s *Synchronizer) DeviceStatus(deviceID string) (registry.SyncStatus, error) {
	return s.registry.Status(deviceID)
}

// Devices returns all registered devices
func (s *Synchronizer) Devices() []registry.Device {
	return s.registry.Devices()
}

// CompensateTimestamp translates a raw device timestamp onto the master
// timeline using the device's drift model; identity without a model
func (s *Synchronizer) CompensateTimestamp(deviceID string, rawUs int64) int64 {
	return s.compensator.Compensate(deviceID, rawUs)
}

// BuildDriftModel fits a fresh drift model from the device's history
func (s *Synchronizer) BuildDriftModel(deviceID string) (*drift.Model, error) {
	return s.compensator.CreateModel(deviceID, s.clock.NowMicros())
}

// StartSynchronizedAction coordinates an action across devices. An empty
// device list means every registered device. Partial success is success;
// the result names who missed the deadline.
func (s *Synchronizer) StartSynchronizedAction(ctx context.Context, action string, deviceIDs []string) (*coordinator.Result, error) {
	if len(deviceIDs) == 0 {
		for _, d := range s.registry.Devices() {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}

	result, err := s.coord.Execute(ctx, action, deviceIDs)
	if err != nil {
		metrics.CoordinatedActions.WithLabelValues("error").Inc()
		return nil, err
	}

	switch {
	case result.Cancelled:
		metrics.CoordinatedActions.WithLabelValues("cancelled").Inc()
	case len(result.Failed) == 0:
		metrics.CoordinatedActions.WithLabelValues("complete").Inc()
	default:
		metrics.CoordinatedActions.WithLabelValues("partial").Inc()
	}
	return result, nil
}

// StartSynchronizedRecording coordinates a recording start across devices
func (s *Synchronizer) StartSynchronizedRecording(ctx context.Context, deviceIDs []string) (*coordinator.Result, error) {
	return s.StartSynchronizedAction(ctx, "start_recording", deviceIDs)
}

// StopSynchronizedRecording coordinates a recording stop across devices
func (s *Synchronizer) StopSynchronizedRecording(ctx context.Context, deviceIDs []string) (*coordinator.Result, error) {
	return s.StartSynchronizedAction(ctx, "stop_recording", deviceIDs)
}

// CancelAction withdraws an in-flight coordinated action
func (s *Synchronizer) CancelAction(actionID, reason string) error {
	return s.coord.Cancel(actionID, reason)
}

// QualityReport summarizes sync quality over the trailing period
func (s *Synchronizer) QualityReport(period time.Duration) quality.Report {
	return s.monitor.Report(period)
}

// SubscribeAlerts registers a callback for quality degradation alerts
func (s *Synchronizer) SubscribeAlerts(fn quality.AlertFunc) {
	s.monitor.Subscribe(fn)
}

// OverallQuality scores the whole device fleet in [0,1]
func (s *Synchronizer) OverallQuality() float64 {
	return s.registry.OverallQuality()
}
