// ABOUTME: Tests for the NTP packet codec and offset estimator
// ABOUTME: Covers byte layout, timestamp conversion, and the two-way transfer formula
package ntp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		Flags:       FlagsServerResponse,
		Stratum:     1,
		Poll:        6,
		Precision:   -20,
		ReferenceID: ReferenceID,
		Reference:   Timestamp{Seconds: 3900000000, Fraction: 1 << 31},
		Originate:   Timestamp{Seconds: 3900000001, Fraction: 42},
		Receive:     Timestamp{Seconds: 3900000002, Fraction: 7},
		Transmit:    Timestamp{Seconds: 3900000003, Fraction: 99},
	}

	decoded, err := Decode(p.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if *decoded != *p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, p)
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	if _, err := Decode(make([]byte, 47)); err == nil {
		t.Error("expected error for 47-byte packet")
	}
	if _, err := Decode(nil); err == nil {
		t.Error("expected error for empty packet")
	}
}

func TestResponseFlagsByte(t *testing.T) {
	// No leap, version 4, server mode
	p := &Packet{Flags: FlagsServerResponse}
	if p.Version() != 4 {
		t.Errorf("expected version 4, got %d", p.Version())
	}
	if p.Mode() != 4 {
		t.Errorf("expected server mode 4, got %d", p.Mode())
	}

	req := &Packet{Flags: FlagsClientRequest}
	if req.Mode() != 3 {
		t.Errorf("expected client mode 3, got %d", req.Mode())
	}
}

func TestOriginateEchoBytes(t *testing.T) {
	// The response's originate field (bytes 24-31) must equal the
	// request's transmit field (bytes 40-47) exactly
	req := &Packet{
		Flags:    FlagsClientRequest,
		Transmit: Timestamp{Seconds: 0xDEADBEEF, Fraction: 0x01020304},
	}
	reqBytes := req.Encode()

	resp := &Packet{
		Flags:     FlagsServerResponse,
		Stratum:   1,
		Originate: req.Transmit,
	}
	respBytes := resp.Encode()

	if !bytes.Equal(respBytes[24:32], reqBytes[40:48]) {
		t.Errorf("originate echo mismatch: got % x, want % x", respBytes[24:32], reqBytes[40:48])
	}
}

func TestTimestampConversion(t *testing.T) {
	cases := []int64{0, 1, 999999, 1000000, 1756600000123456}
	for _, us := range cases {
		got := TimestampFromMicros(us).Micros()
		diff := got - us
		if diff < 0 {
			diff = -diff
		}
		// 32-bit binary fraction quantizes at ~0.23ns; allow 1µs slop
		if diff > 1 {
			t.Errorf("timestamp conversion of %dµs off by %dµs", us, diff)
		}
	}
}

func TestComputeOffsetSymmetricDelay(t *testing.T) {
	// Server clock 250µs ahead of client, 2ms symmetric one-way delay
	trueOffset := int64(250)
	oneWay := int64(2000)

	t1 := int64(1000000)
	t2 := t1 + oneWay + trueOffset
	t3 := t2 + 50 // Processing time
	t4 := t1 + oneWay + 50 + oneWay

	offset, rtt := ComputeOffset(t1, t2, t3, t4)

	if offset != trueOffset {
		t.Errorf("expected offset %dµs, got %dµs", trueOffset, offset)
	}
	if rtt != 2*oneWay {
		t.Errorf("expected rtt %dµs, got %dµs", 2*oneWay, rtt)
	}
}

func TestComputeOffsetAsymmetryBound(t *testing.T) {
	// With asymmetric path delay the estimate error stays within half
	// the round trip
	trueOffset := int64(500)
	up, down := int64(1000), int64(3000)

	t1 := int64(2000000)
	t2 := t1 + up + trueOffset
	t3 := t2 + 10
	t4 := t3 - trueOffset + down

	offset, rtt := ComputeOffset(t1, t2, t3, t4)

	err := offset - trueOffset
	if err < 0 {
		err = -err
	}
	if err > rtt/2 {
		t.Errorf("offset error %dµs exceeds rtt/2 = %dµs", err, rtt/2)
	}
}
