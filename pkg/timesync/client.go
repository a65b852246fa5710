// ABOUTME: WebSocket control-channel client for chronosync devices
// ABOUTME: Handles connection, handshake, and message routing to typed channels
package timesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ClientConfig holds control-channel client configuration
type ClientConfig struct {
	EngineAddr string // host:port of the engine control endpoint
	HardwareID string
	Name       string
	Class      string
	Version    int
	DeviceInfo *protocol.DeviceInfo
}

// Client is the device's control channel to the engine
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Typed message channels
	Actions  chan protocol.ActionStart
	Cancels  chan protocol.ActionCancel
	TimeResp chan protocol.EngineTime

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a control-channel client
func NewClient(config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:   config,
		Actions:  make(chan protocol.ActionStart, 10),
		Cancels:  make(chan protocol.ActionCancel, 10),
		TimeResp: make(chan protocol.EngineTime, 10),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the engine and performs the handshake. The returned
// hello carries the assigned device id and the UDP time service port.
func (c *Client) Connect() (protocol.EngineHello, error) {
	u := url.URL{Scheme: "ws", Host: c.config.EngineAddr, Path: "/chronosync"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return protocol.EngineHello{}, fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	hello, err := c.handshake()
	if err != nil {
		c.Close()
		return protocol.EngineHello{}, fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return hello, nil
}

// handshake sends device/hello and waits for engine/hello
func (c *Client) handshake() (protocol.EngineHello, error) {
	hello := protocol.DeviceHello{
		HardwareID: c.config.HardwareID,
		Name:       c.config.Name,
		Class:      c.config.Class,
		Version:    c.config.Version,
		DeviceInfo: c.config.DeviceInfo,
	}

	if err := c.sendJSON(protocol.Message{Type: "device/hello", Payload: hello}); err != nil {
		return protocol.EngineHello{}, fmt.Errorf("failed to send device/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.EngineHello{}, fmt.Errorf("failed to read engine/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.EngineHello{}, fmt.Errorf("failed to parse engine/hello: %w", err)
	}
	if msg.Type != "engine/hello" {
		return protocol.EngineHello{}, fmt.Errorf("expected engine/hello, got %s", msg.Type)
	}

	payload, _ := json.Marshal(msg.Payload)
	var engineHello protocol.EngineHello
	if err := json.Unmarshal(payload, &engineHello); err != nil {
		return protocol.EngineHello{}, fmt.Errorf("failed to parse engine hello payload: %w", err)
	}

	log.Printf("Handshake complete: device %s, precision budget %dµs",
		engineHello.DeviceID, engineHello.PrecisionBudgetUs)
	return engineHello, nil
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("Read error: %v", err)
			return
		}
		c.route(data)
	}
}

// route dispatches one message to its typed channel
func (c *Client) route(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse message: %v", err)
		return
	}

	payload, _ := json.Marshal(msg.Payload)

	switch msg.Type {
	case "action/start":
		var start protocol.ActionStart
		if err := json.Unmarshal(payload, &start); err != nil {
			log.Printf("Bad action/start: %v", err)
			return
		}
		select {
		case c.Actions <- start:
		case <-c.ctx.Done():
		}

	case "action/cancel":
		var cancel protocol.ActionCancel
		if err := json.Unmarshal(payload, &cancel); err != nil {
			log.Printf("Bad action/cancel: %v", err)
			return
		}
		select {
		case c.Cancels <- cancel:
		case <-c.ctx.Done():
		}

	case "engine/time":
		var resp protocol.EngineTime
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Printf("Bad engine/time: %v", err)
			return
		}
		select {
		case c.TimeResp <- resp:
		case <-c.ctx.Done():
		}

	case "engine/error":
		log.Printf("Engine error: %s", string(payload))

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// sendJSON sends one message over the control channel
func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

// SendObservation reports one completed offset measurement
func (c *Client) SendObservation(obs protocol.DeviceObservation) error {
	return c.sendJSON(protocol.Message{Type: "device/observation", Payload: obs})
}

// SendAck confirms receipt of an action/start instruction
func (c *Client) SendAck(ack protocol.ActionAck) error {
	return c.sendJSON(protocol.Message{Type: "action/ack", Payload: ack})
}

// SendStatus reports the device's local state
func (c *Client) SendStatus(status protocol.DeviceStatus) error {
	return c.sendJSON(protocol.Message{Type: "device/status", Payload: status})
}

// SendTimeQuery sends a WebSocket-framed time query for devices that
// cannot reach the UDP time service
func (c *Client) SendTimeQuery(deviceTransmitted int64) error {
	return c.sendJSON(protocol.Message{
		Type:    "device/time",
		Payload: protocol.DeviceTime{DeviceTransmitted: deviceTransmitted},
	})
}

// Goodbye announces a graceful disconnect
func (c *Client) Goodbye(reason string) error {
	return c.sendJSON(protocol.Message{
		Type:    "device/goodbye",
		Payload: protocol.DeviceGoodbye{Reason: reason},
	})
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
