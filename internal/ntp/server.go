// ABOUTME: UDP time service answering NTP-format queries from capture devices
// ABOUTME: Stamps receive/transmit times from the master clock and tracks per-client stats
package ntp

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/clock"
	"github.com/Chronosync-Protocol/chronosync-go/internal/metrics"
)

// ReferenceID identifies this engine as a stratum-1 source
var ReferenceID = [4]byte{'C', 'S', 'Y', 'N'}

// ServerConfig holds time service configuration
type ServerConfig struct {
	Port  int
	Debug bool
}

// ClientStats tracks per-client request counters for observability
type ClientStats struct {
	Requests int64
	LastSeen time.Time
}

// Server answers time queries over UDP. Malformed packets are dropped
// silently; the receive loop never blocks on a reply.
type Server struct {
	config ServerConfig
	clock  *clock.MasterClock
	conn   *net.UDPConn

	stats   map[string]*ClientStats
	statsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a time service bound to the master clock
func NewServer(config ServerConfig, clk *clock.MasterClock) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config: config,
		clock:  clk,
		stats:  make(map[string]*ClientStats),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the UDP endpoint and starts the receive loop
func (s *Server) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.config.Port})
	if err != nil {
		return fmt.Errorf("time service bind failed: %w", err)
	}
	s.conn = conn

	log.Printf("Time service listening on %s", conn.LocalAddr())

	s.wg.Add(1)
	go s.serveLoop()

	return nil
}

// Port returns the bound UDP port
func (s *Server) Port() int {
	if s.conn == nil {
		return s.config.Port
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// serveLoop is the blocking-receive/non-blocking-reply loop
func (s *Server) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 256)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.Printf("Time service read error: %v", err)
			continue
		}

		// Receive timestamp is stamped immediately on dequeue
		t2 := s.clock.NowMicros()

		req, err := Decode(buf[:n])
		if err != nil {
			if s.config.Debug {
				log.Printf("Dropping malformed packet from %s: %v", addr, err)
			}
			continue
		}

		if req.Mode() != modeClient || req.Version() < 3 {
			if s.config.Debug {
				log.Printf("Dropping packet from %s: mode=%d version=%d", addr, req.Mode(), req.Version())
			}
			continue
		}

		s.recordRequest(addr)
		s.reply(req, addr, t2)
	}
}

// reply builds and sends the response. The transmit timestamp is stamped
// immediately before the write; a failed send is retried once and then
// abandoned so the receive loop is never held up.
func (s *Server) reply(req *Packet, addr *net.UDPAddr, t2 int64) {
	resp := &Packet{
		Flags:       FlagsServerResponse,
		Stratum:     1,
		Poll:        req.Poll,
		Precision:   clock.PrecisionExp,
		ReferenceID: ReferenceID,
		Reference:   TimestampFromMicros(s.clock.ReferenceMicros()),
		Originate:   req.Transmit, // Echoed verbatim
		Receive:     TimestampFromMicros(t2),
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp.Transmit = TimestampFromMicros(s.clock.NowMicros())
		if _, err := s.conn.WriteToUDP(resp.Encode(), addr); err == nil {
			return
		} else if attempt == 1 {
			log.Printf("Time service reply to %s abandoned: %v", addr, err)
		}
	}
}

// recordRequest updates per-client statistics
func (s *Server) recordRequest(addr *net.UDPAddr) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	key := addr.String()
	st, ok := s.stats[key]
	if !ok {
		st = &ClientStats{}
		s.stats[key] = st
	}
	st.Requests++
	st.LastSeen = time.Now()

	metrics.TimeRequests.Inc()
}

// Stats returns a snapshot of per-client request statistics
func (s *Server) Stats() map[string]ClientStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := make(map[string]ClientStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = *v
	}
	return out
}

// Stop shuts down the receive loop
func (s *Server) Stop() {
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}
