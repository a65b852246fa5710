// ABOUTME: NTP v4 48-byte packet codec for the time service
// ABOUTME: Converts between master-clock microseconds and NTP second/fraction timestamps
package ntp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketSize is the fixed NTP packet length; anything shorter is malformed
const PacketSize = 48

// ntpEpochOffset is seconds between the NTP epoch (1900) and Unix epoch (1970)
const ntpEpochOffset = 2208988800

// Mode and version constants packed into the flags byte
const (
	// FlagsServerResponse is no-leap, version 4, server mode
	FlagsServerResponse = 0x24

	// FlagsClientRequest is no-leap, version 4, client mode
	FlagsClientRequest = 0x23

	modeClient = 3
	modeServer = 4
)

// ErrMalformedPacket marks packets that are dropped without a reply
var ErrMalformedPacket = errors.New("malformed time query packet")

// Timestamp is an NTP 32.32 fixed-point timestamp
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// TimestampFromMicros converts Unix-aligned microseconds to NTP format
func TimestampFromMicros(us int64) Timestamp {
	sec := us / 1e6
	frac := us % 1e6
	return Timestamp{
		Seconds:  uint32(sec + ntpEpochOffset),
		Fraction: uint32((frac << 32) / 1e6),
	}
}

// Micros converts an NTP timestamp back to Unix-aligned microseconds
func (t Timestamp) Micros() int64 {
	sec := int64(t.Seconds) - ntpEpochOffset
	frac := (int64(t.Fraction) * 1e6) >> 32
	return sec*1e6 + frac
}

// IsZero reports whether the timestamp is unset
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Fraction == 0
}

// Packet is a decoded NTP packet
type Packet struct {
	Flags          byte
	Stratum        byte
	Poll           byte
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    [4]byte
	Reference      Timestamp
	Originate      Timestamp
	Receive        Timestamp
	Transmit       Timestamp
}

// Version extracts the version number from the flags byte
func (p *Packet) Version() int {
	return int(p.Flags >> 3 & 0x7)
}

// Mode extracts the mode from the flags byte
func (p *Packet) Mode() int {
	return int(p.Flags & 0x7)
}

// Decode parses a raw datagram into a Packet
func Decode(data []byte) (*Packet, error) {
	if len(data) < PacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	p := &Packet{
		Flags:          data[0],
		Stratum:        data[1],
		Poll:           data[2],
		Precision:      int8(data[3]),
		RootDelay:      binary.BigEndian.Uint32(data[4:8]),
		RootDispersion: binary.BigEndian.Uint32(data[8:12]),
		Reference:      decodeTimestamp(data[16:24]),
		Originate:      decodeTimestamp(data[24:32]),
		Receive:        decodeTimestamp(data[32:40]),
		Transmit:       decodeTimestamp(data[40:48]),
	}
	copy(p.ReferenceID[:], data[12:16])

	return p, nil
}

// Encode serializes the packet into network byte order
func (p *Packet) Encode() []byte {
	buf := make([]byte, PacketSize)
	buf[0] = p.Flags
	buf[1] = p.Stratum
	buf[2] = p.Poll
	buf[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(buf[4:8], p.RootDelay)
	binary.BigEndian.PutUint32(buf[8:12], p.RootDispersion)
	copy(buf[12:16], p.ReferenceID[:])
	encodeTimestamp(buf[16:24], p.Reference)
	encodeTimestamp(buf[24:32], p.Originate)
	encodeTimestamp(buf[32:40], p.Receive)
	encodeTimestamp(buf[40:48], p.Transmit)
	return buf
}

func decodeTimestamp(b []byte) Timestamp {
	return Timestamp{
		Seconds:  binary.BigEndian.Uint32(b[0:4]),
		Fraction: binary.BigEndian.Uint32(b[4:8]),
	}
}

func encodeTimestamp(b []byte, t Timestamp) {
	binary.BigEndian.PutUint32(b[0:4], t.Seconds)
	binary.BigEndian.PutUint32(b[4:8], t.Fraction)
}

// ComputeOffset returns the two-way time-transfer estimate from one
// exchange: t1 client send, t2 server receive, t3 server send, t4 client
// receive, all in microseconds.
func ComputeOffset(t1, t2, t3, t4 int64) (offset, rtt int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}
