// ABOUTME: Loopback tests for the UDP time service
// ABOUTME: Exercises the full query/reply exchange, stats, and malformed input handling
package ntp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/clock"
)

func startTestServer(t *testing.T) (*Server, *clock.MasterClock) {
	t.Helper()

	clk, err := clock.New()
	if err != nil {
		t.Fatalf("clock init failed: %v", err)
	}

	srv := NewServer(ServerConfig{Port: 0}, clk)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, clk
}

func TestQueryExchange(t *testing.T) {
	srv, _ := startTestServer(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))

	sample, err := Query(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	// Master clock and test clock are both wall-calibrated on the same
	// host, so the offset should be near zero
	if sample.OffsetUs > 50000 || sample.OffsetUs < -50000 {
		t.Errorf("loopback offset unexpectedly large: %dµs", sample.OffsetUs)
	}

	if sample.RoundTripUs < 0 || sample.RoundTripUs > 1000000 {
		t.Errorf("implausible loopback rtt: %dµs", sample.RoundTripUs)
	}
}

func TestServerStampsProgress(t *testing.T) {
	srv, _ := startTestServer(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))

	sample, err := Query(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	// Transmit must not precede receive
	if sample.T3 < sample.T2 {
		t.Errorf("transmit %d before receive %d", sample.T3, sample.T2)
	}
}

func TestMalformedPacketDropped(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Truncated garbage must be dropped without a reply and without
	// killing the service
	if _, err := conn.Write([]byte{0x23, 0x00, 0x01}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected no reply to malformed packet")
	}

	// Service must still answer well-formed queries afterwards
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))
	if _, err := Query(addr, 2*time.Second); err != nil {
		t.Errorf("query after malformed packet failed: %v", err)
	}
}

func TestServerModePacketIgnored(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// A full-size packet in server mode is not a query
	p := &Packet{Flags: FlagsServerResponse, Stratum: 1}
	if _, err := conn.Write(p.Encode()); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected no reply to server-mode packet")
	}
}

func TestRequestStats(t *testing.T) {
	srv, _ := startTestServer(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))

	for i := 0; i < 3; i++ {
		if _, err := Query(addr, 2*time.Second); err != nil {
			t.Fatalf("query %d failed: %v", i, err)
		}
	}

	stats := srv.Stats()
	var total int64
	for _, st := range stats {
		total += st.Requests
		if st.LastSeen.IsZero() {
			t.Error("expected LastSeen to be set")
		}
	}

	// Each Query dials from a fresh ephemeral port, so counts may be
	// spread over several client keys
	if total != 3 {
		t.Errorf("expected 3 recorded requests, got %d", total)
	}
}
