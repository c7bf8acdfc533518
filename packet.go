// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// TransmittedIVLength is the length of the IV carried by the init packet.
	TransmittedIVLength = 128

	// InitPacketLength is the wire length of the server's init packet:
	// the transmitted IV followed by a big-endian uint32 timestamp.
	InitPacketLength = TransmittedIVLength + 4

	// PacketVersion is the data packet version this client speaks.
	PacketVersion = 3

	// MaxHostLength is the capacity of the host field, including the NUL.
	MaxHostLength = 64

	// MaxServiceLength is the capacity of the service field, including the NUL.
	MaxServiceLength = 128

	// DefaultPayloadLength is the standard capacity of the output field.
	// Servers only accept packets whose payload capacity matches their own.
	DefaultPayloadLength = 512

	// packetOverhead is the wire length of the fixed header fields plus
	// the trailing alignment padding of the C struct layout.
	packetOverhead = 208
)

// ErrShortInitPacket indicates the inbound init packet was truncated.
var ErrShortInitPacket = errors.New("nscp: short init packet")

// Request is an opaque fixed-length outbound payload. The protocol layer
// never inspects the content: it only needs the wire length to size the
// random padding and a serialization over that padding.
type Request interface {
	// PacketLength returns the exact wire length of the marshalled packet.
	PacketLength() int

	// Marshal serializes the request over the given random padding, which
	// must be exactly PacketLength bytes, stamping the given timestamp.
	Marshal(padding []byte, timestamp uint32) ([]byte, error)
}

// initPacket is the decoded form of the server's first message.
type initPacket struct {
	iv        [TransmittedIVLength]byte
	timestamp uint32
}

// parseInitPacket decodes an init packet as a unit. The packet is never
// streamed incrementally, so anything shorter than [InitPacketLength] is
// a hard error rather than a retry condition.
func parseInitPacket(buf []byte) (*initPacket, error) {
	if len(buf) < InitPacketLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortInitPacket, len(buf), InitPacketLength)
	}
	pkt := &initPacket{}
	copy(pkt.iv[:], buf[:TransmittedIVLength])
	pkt.timestamp = binary.BigEndian.Uint32(buf[TransmittedIVLength:InitPacketLength])
	return pkt, nil
}

// NewDataPacket returns a [*DataPacket] with the default payload capacity.
func NewDataPacket(status int16, host, service, message string) *DataPacket {
	return &DataPacket{
		Host:          host,
		Message:       message,
		PayloadLength: DefaultPayloadLength,
		Service:       service,
		Status:        status,
	}
}

// Check statuses carried by [DataPacket.Status].
const (
	StatusOK       int16 = 0
	StatusWarning  int16 = 1
	StatusCritical int16 = 2
	StatusUnknown  int16 = 3
)

// DataPacket is a version-3 passive check report.
//
// The wire layout is the classic C struct with 4-byte alignment:
//
//	offset 0    int16   packet version
//	offset 4    uint32  crc32 (IEEE, computed with this field zeroed)
//	offset 8    uint32  timestamp (echoed from the init packet)
//	offset 12   int16   status
//	offset 14   char    host[64]
//	offset 78   char    service[128]
//	offset 206  char    output[PayloadLength]
//
// Alignment holes and the bytes beyond each string's NUL terminator keep
// their random padding.
type DataPacket struct {
	// Host is the monitored host the report is about.
	Host string

	// Message is the textual check output.
	Message string

	// PayloadLength is the capacity of the output field and determines
	// the total wire length. Use [DefaultPayloadLength] unless the server
	// is built with a custom payload size.
	PayloadLength int

	// Service is the service description; empty submits a host check.
	Service string

	// Status is the check outcome (use [StatusOK] and friends).
	Status int16
}

var _ Request = &DataPacket{}

// PacketLength implements [Request].
func (p *DataPacket) PacketLength() int {
	return packetOverhead + p.PayloadLength
}

// Marshal implements [Request].
//
// The padding is copied first and the fields are overlaid on top, so the
// unused bytes of each field retain their random content.
func (p *DataPacket) Marshal(padding []byte, timestamp uint32) ([]byte, error) {
	length := p.PacketLength()
	if len(padding) != length {
		return nil, fmt.Errorf("nscp: padding length %d does not match packet length %d", len(padding), length)
	}
	if len(p.Host) >= MaxHostLength {
		return nil, fmt.Errorf("nscp: host %q exceeds %d bytes", p.Host, MaxHostLength-1)
	}
	if len(p.Service) >= MaxServiceLength {
		return nil, fmt.Errorf("nscp: service %q exceeds %d bytes", p.Service, MaxServiceLength-1)
	}
	if len(p.Message) >= p.PayloadLength {
		return nil, fmt.Errorf("nscp: message length %d exceeds %d bytes", len(p.Message), p.PayloadLength-1)
	}

	buf := make([]byte, length)
	copy(buf, padding)
	binary.BigEndian.PutUint16(buf[0:2], PacketVersion)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], timestamp)
	binary.BigEndian.PutUint16(buf[12:14], uint16(p.Status))
	copyStringField(buf[14:14+MaxHostLength], p.Host)
	copyStringField(buf[78:78+MaxServiceLength], p.Service)
	copyStringField(buf[206:206+p.PayloadLength], p.Message)
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf))
	return buf, nil
}

// copyStringField writes s followed by a NUL terminator, leaving the
// random padding beyond the terminator in place.
func copyStringField(field []byte, s string) {
	n := copy(field, s)
	field[n] = 0
}
