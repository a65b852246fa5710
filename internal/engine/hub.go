// ABOUTME: WebSocket control channel for the engine
// ABOUTME: Handles device handshakes, observations, acks, and dispatch delivery
package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/coordinator"
	"github.com/Chronosync-Protocol/chronosync-go/internal/registry"
	"github.com/Chronosync-Protocol/chronosync-go/internal/version"
	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 100
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// client is one connected device's control channel
type client struct {
	deviceID string
	name     string
	conn     *websocket.Conn
	sendChan chan protocol.Message
}

// handleWebSocket upgrades and hands the connection off
func (s *Synchronizer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New control connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

// handleConnection runs the handshake then the read loop. The connection
// is bound to exactly one device for its lifetime.
func (s *Synchronizer) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	select {
	case <-s.ctx.Done():
		log.Printf("Rejecting connection during shutdown")
		return
	default:
	}

	hello, err := readHello(conn)
	if err != nil {
		log.Printf("Handshake failed: %v", err)
		return
	}

	dev, err := s.RegisterDevice(*hello)
	if err != nil {
		log.Printf("Registration rejected for %q: %v", hello.Name, err)
		writeJSON(conn, protocol.Message{
			Type:    "engine/error",
			Payload: map[string]string{"error": "registration_rejected", "message": err.Error()},
		})
		return
	}

	c := &client{
		deviceID: dev.ID,
		name:     dev.Name,
		conn:     conn,
		sendChan: make(chan protocol.Message, sendBuffer),
	}

	// A reconnecting device replaces its previous channel
	s.clientsMu.Lock()
	if old, ok := s.clients[dev.ID]; ok {
		old.conn.Close()
	}
	s.clients[dev.ID] = c
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		if s.clients[dev.ID] == c {
			delete(s.clients, dev.ID)
		}
		s.clientsMu.Unlock()
		close(c.sendChan)
		log.Printf("Device disconnected: %s (%s)", c.name, c.deviceID)
	}()

	engineHello := protocol.EngineHello{
		EngineID:          s.engineID,
		Name:              s.config.Engine.Name,
		Version:           version.Protocol,
		DeviceID:          dev.ID,
		NTPPort:           s.timeService.Port(),
		PrecisionBudgetUs: dev.Capability.PrecisionBudgetUs,
		MaxSyncDelayMs:    dev.Capability.MaxSyncDelayMs,
	}
	if err := s.send(c, "engine/hello", engineHello); err != nil {
		log.Printf("Error sending engine hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error from %s: %v", c.name, err)
			}
			return
		}
		if done := s.handleDeviceMessage(c, data); done {
			return
		}
	}
}

// readHello waits for the opening device/hello
func readHello(conn *websocket.Conn) (*protocol.DeviceHello, error) {
	conn.SetReadDeadline(time.Now().Add(writeDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}
	if msg.Type != "device/hello" {
		return nil, fmt.Errorf("expected device/hello, got %s", msg.Type)
	}

	var hello protocol.DeviceHello
	if err := decodePayload(msg.Payload, &hello); err != nil {
		return nil, fmt.Errorf("parse hello payload: %w", err)
	}
	return &hello, nil
}

// handleDeviceMessage routes one control message; returns true on goodbye
func (s *Synchronizer) handleDeviceMessage(c *client, data []byte) bool {
	// Stamped before parsing so device/time sees the earliest receive point
	received := s.clock.NowMicros()

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Bad message from %s: %v", c.name, err)
		return false
	}

	switch msg.Type {
	case "device/observation":
		var obs protocol.DeviceObservation
		if err := decodePayload(msg.Payload, &obs); err != nil {
			log.Printf("Bad observation from %s: %v", c.name, err)
			return false
		}
		if _, err := s.RecordObservation(registry.Observation{
			DeviceID:    c.deviceID,
			MeasuredAt:  obs.MeasuredAt,
			OffsetUs:    obs.OffsetUs,
			RoundTripUs: obs.RoundTripUs,
		}); err != nil {
			log.Printf("Observation from %s dropped: %v", c.name, err)
		}

	case "action/ack":
		var ack protocol.ActionAck
		if err := decodePayload(msg.Payload, &ack); err != nil {
			log.Printf("Bad ack from %s: %v", c.name, err)
			return false
		}
		ack.DeviceID = c.deviceID
		s.coord.HandleAck(ack)

	case "device/time":
		var dt protocol.DeviceTime
		if err := decodePayload(msg.Payload, &dt); err != nil {
			log.Printf("Bad time query from %s: %v", c.name, err)
			return false
		}
		resp := protocol.EngineTime{
			DeviceTransmitted: dt.DeviceTransmitted,
			EngineReceived:    received,
			EngineTransmitted: s.clock.NowMicros(),
		}
		if err := s.send(c, "engine/time", resp); err != nil {
			log.Printf("Error sending engine time to %s: %v", c.name, err)
		}

	case "device/status":
		var st protocol.DeviceStatus
		if err := decodePayload(msg.Payload, &st); err != nil {
			return false
		}
		log.Printf("Device %s state: %s", c.name, st.State)

	case "device/goodbye":
		var bye protocol.DeviceGoodbye
		decodePayload(msg.Payload, &bye)
		log.Printf("Device %s leaving: %s", c.name, bye.Reason)
		if err := s.DeregisterDevice(c.deviceID); err != nil {
			log.Printf("Deregister of %s: %v", c.deviceID, err)
		}
		return true

	default:
		log.Printf("Unknown message type from %s: %s", c.name, msg.Type)
	}
	return false
}

// clientWriter drains the send channel onto the wire and keeps the
// connection alive with pings
func (s *Synchronizer) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("Error writing to %s: %v", c.name, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// send queues a message without blocking the caller
func (s *Synchronizer) send(c *client, msgType string, payload interface{}) error {
	select {
	case c.sendChan <- protocol.Message{Type: msgType, Payload: payload}:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", c.deviceID)
	}
}

// DispatchStart delivers a coordinated start instruction to a device
func (s *Synchronizer) DispatchStart(deviceID string, msg protocol.ActionStart) error {
	c, ok := s.lookupClient(deviceID)
	if !ok {
		return fmt.Errorf("dispatch to %s: %w", deviceID, coordinator.ErrDeviceUnreachable)
	}
	return s.send(c, "action/start", msg)
}

// DispatchCancel delivers an action cancellation to a device
func (s *Synchronizer) DispatchCancel(deviceID string, msg protocol.ActionCancel) error {
	c, ok := s.lookupClient(deviceID)
	if !ok {
		return fmt.Errorf("cancel to %s: %w", deviceID, coordinator.ErrDeviceUnreachable)
	}
	return s.send(c, "action/cancel", msg)
}

func (s *Synchronizer) lookupClient(deviceID string) (*client, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	c, ok := s.clients[deviceID]
	return c, ok
}

// dropClient closes a device's connection if one is open
func (s *Synchronizer) dropClient(deviceID string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if c, ok := s.clients[deviceID]; ok {
		c.conn.Close()
		delete(s.clients, deviceID)
	}
}

// closeClients closes every open control connection during shutdown
func (s *Synchronizer) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
}

// decodePayload re-marshals an interface{} payload into a typed struct
func decodePayload(payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeJSON writes a message directly, bypassing the send channel; only
// used before a client is fully established
func writeJSON(conn *websocket.Conn, msg protocol.Message) {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if data, err := json.Marshal(msg); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
