// ABOUTME: UDP query client for the time service
// ABOUTME: Performs one four-timestamp exchange and computes offset/round-trip
package ntp

import (
	"fmt"
	"net"
	"time"
)

// Sample is the result of one completed time query
type Sample struct {
	OffsetUs       int64 // local_clock - master_clock
	RoundTripUs    int64
	T1, T2, T3, T4 int64
}

// Query performs a single time exchange against addr using the local
// wall clock as the device clock. The returned offset follows the
// device-minus-master convention.
func Query(addr string, timeout time.Duration) (*Sample, error) {
	return QueryClock(addr, timeout, func() int64 { return time.Now().UnixMicro() })
}

// QueryClock is Query with an injectable local clock, used by agents that
// keep their own µs counter and by tests.
func QueryClock(addr string, timeout time.Duration, localMicros func() int64) (*Sample, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	t1 := localMicros()
	req := &Packet{
		Flags:    FlagsClientRequest,
		Transmit: TimestampFromMicros(t1),
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req.Encode()); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	t4 := localMicros()

	resp, err := Decode(buf[:n])
	if err != nil {
		return nil, err
	}

	// The reply must echo our transmit timestamp; anything else is a
	// stray or spoofed datagram
	if resp.Originate != req.Transmit {
		return nil, fmt.Errorf("%w: originate timestamp mismatch", ErrMalformedPacket)
	}

	t2 := resp.Receive.Micros()
	t3 := resp.Transmit.Micros()

	// Offset here is master-minus-local; flip to the device-minus-master
	// convention used everywhere else
	masterOffset, rtt := ComputeOffset(t1, t2, t3, t4)

	return &Sample{
		OffsetUs:    -masterOffset,
		RoundTripUs: rtt,
		T1:          t1,
		T2:          t2,
		T3:          t3,
		T4:          t4,
	}, nil
}
