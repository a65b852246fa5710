// ABOUTME: Chronosync control-plane message type definitions
// ABOUTME: Defines structs for every message exchanged over the WebSocket channel
package protocol

// Message is the top-level wrapper for all control-plane messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Device classes understood by the engine's capability table
const (
	ClassUSBCamera         = "usb_camera"
	ClassMobileCaptureUnit = "mobile_capture_unit"
	ClassWearableSensor    = "wearable_sensor"
)

// DeviceHello is sent by a device to register with the engine
type DeviceHello struct {
	HardwareID string      `json:"hardware_id"`
	Name       string      `json:"name"`
	Class      string      `json:"class"`
	Version    int         `json:"version"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// EngineHello is the engine's response to device/hello
type EngineHello struct {
	EngineID          string `json:"engine_id"`
	Name              string `json:"name"`
	Version           int    `json:"version"`
	DeviceID          string `json:"device_id"`
	NTPPort           int    `json:"ntp_port"`
	PrecisionBudgetUs int64  `json:"precision_budget_us"`
	MaxSyncDelayMs    int64  `json:"max_sync_delay_ms"`
}

// DeviceObservation reports one completed offset measurement
type DeviceObservation struct {
	DeviceID    string `json:"device_id"`
	MeasuredAt  int64  `json:"measured_at"`   // Master clock µs at measurement
	OffsetUs    int64  `json:"offset_us"`     // device_clock - master_clock
	RoundTripUs int64  `json:"round_trip_us"` // Query round trip in µs
}

// DeviceStatus reports the device's local state
type DeviceStatus struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"` // "syncing", "ready", "armed", "recording", "error"
}

// ActionStart instructs a device to fire a coordinated action
type ActionStart struct {
	ActionID       string `json:"action_id"`
	Action         string `json:"action"`          // e.g. "start_recording", "stop_recording"
	StartAt        int64  `json:"start_at"`        // Master clock µs
	CompensationUs int64  `json:"compensation_us"` // Per-device latency compensation
	AckBy          int64  `json:"ack_by"`          // Master clock µs deadline for the ack
}

// ActionAck confirms receipt of an action/start instruction
type ActionAck struct {
	ActionID   string `json:"action_id"`
	DeviceID   string `json:"device_id"`
	ReceivedAt int64  `json:"received_at"` // Device's estimate of master µs at receipt
}

// ActionCancel withdraws a previously dispatched action
type ActionCancel struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason,omitempty"`
}

// DeviceGoodbye is sent before graceful disconnect
type DeviceGoodbye struct {
	Reason string `json:"reason"` // "shutdown", "restart", "user_request"
}

// DeviceTime is the WebSocket-framed time query for devices that
// cannot reach the UDP time service (NAT, captive transports)
type DeviceTime struct {
	DeviceTransmitted int64 `json:"device_transmitted"` // Device clock µs at send
}

// EngineTime is the response to device/time
type EngineTime struct {
	DeviceTransmitted int64 `json:"device_transmitted"` // Echoed device timestamp
	EngineReceived    int64 `json:"engine_received"`    // Master µs at receive
	EngineTransmitted int64 `json:"engine_transmitted"` // Master µs at send
}
