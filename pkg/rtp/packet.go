package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a declared header length exceeds the
// actual buffer.
var ErrMalformed = errors.New("malformed RTP packet")

// Header represents the RTP packet header
type Header struct {
	Version        uint8  // 2 bits: Version (V)
	Padding        bool   // 1 bit: Padding (P)
	Extension      bool   // 1 bit: Extension (X)
	Marker         bool   // 1 bit: Marker (M)
	PayloadType    uint8  // 7 bits: Payload type (PT)
	SequenceNumber uint16 // 16 bits: Sequence number
	Timestamp      uint32 // 32 bits: Timestamp
	SSRC           uint32 // 32 bits: SSRC identifier
	CSRCs          []uint32
	ExtProfile     uint16 // extension profile, valid when Extension is set
	ExtData        []byte // extension payload, without the 4-byte extension header
}

// Packet represents a complete RTP packet. It is immutable once parsed;
// the payload slice references the input buffer.
type Packet struct {
	Header  Header
	Payload []byte
}

// Constants for RTP
const (
	MinHeaderSize = 12   // Minimum RTP header size in bytes
	MaxPacketSize = 1500 // Maximum RTP packet size (MTU)
)

// Marshal serializes the RTP packet to bytes
func (p *Packet) Marshal() ([]byte, error) {
	headerSize := MinHeaderSize + 4*len(p.Header.CSRCs)
	if p.Header.Extension {
		headerSize += 4 + len(p.Header.ExtData)
	}
	totalSize := headerSize + len(p.Payload)

	if totalSize > MaxPacketSize {
		return nil, fmt.Errorf("RTP packet too large: %d bytes (max: %d)", totalSize, MaxPacketSize)
	}
	if len(p.Header.CSRCs) > 15 {
		return nil, fmt.Errorf("too many CSRCs: %d (max: 15)", len(p.Header.CSRCs))
	}
	if p.Header.Extension && len(p.Header.ExtData)%4 != 0 {
		return nil, fmt.Errorf("extension data length must be a multiple of 4, got %d", len(p.Header.ExtData))
	}

	buf := make([]byte, totalSize)

	// First byte: V(2) + P(1) + X(1) + CC(4)
	buf[0] = (p.Header.Version << 6) |
		(boolToBit(p.Header.Padding) << 5) |
		(boolToBit(p.Header.Extension) << 4) |
		uint8(len(p.Header.CSRCs))

	// Second byte: M(1) + PT(7)
	buf[1] = (boolToBit(p.Header.Marker) << 7) | p.Header.PayloadType

	binary.BigEndian.PutUint16(buf[2:4], p.Header.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.SSRC)

	n := MinHeaderSize
	for _, csrc := range p.Header.CSRCs {
		binary.BigEndian.PutUint32(buf[n:n+4], csrc)
		n += 4
	}

	if p.Header.Extension {
		binary.BigEndian.PutUint16(buf[n:n+2], p.Header.ExtProfile)
		binary.BigEndian.PutUint16(buf[n+2:n+4], uint16(len(p.Header.ExtData)/4))
		n += 4
		n += copy(buf[n:], p.Header.ExtData)
	}

	copy(buf[n:], p.Payload)

	return buf, nil
}

// Unmarshal deserializes bytes to an RTP packet. The payload slice
// references the input buffer.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < MinHeaderSize {
		return fmt.Errorf("%w: %d bytes (min: %d)", ErrMalformed, len(data), MinHeaderSize)
	}

	// First byte: V(2) + P(1) + X(1) + CC(4)
	firstByte := data[0]
	p.Header.Version = (firstByte >> 6) & 0x03
	p.Header.Padding = (firstByte>>5)&0x01 == 1
	p.Header.Extension = (firstByte>>4)&0x01 == 1
	csrcCount := int(firstByte & 0x0F)

	// Second byte: M(1) + PT(7)
	secondByte := data[1]
	p.Header.Marker = (secondByte>>7)&0x01 == 1
	p.Header.PayloadType = secondByte & 0x7F

	p.Header.SequenceNumber = binary.BigEndian.Uint16(data[2:4])
	p.Header.Timestamp = binary.BigEndian.Uint32(data[4:8])
	p.Header.SSRC = binary.BigEndian.Uint32(data[8:12])

	n := MinHeaderSize
	if len(data) < n+4*csrcCount {
		return fmt.Errorf("%w: CSRC list exceeds buffer", ErrMalformed)
	}
	p.Header.CSRCs = nil
	for i := 0; i < csrcCount; i++ {
		p.Header.CSRCs = append(p.Header.CSRCs, binary.BigEndian.Uint32(data[n:n+4]))
		n += 4
	}

	p.Header.ExtProfile = 0
	p.Header.ExtData = nil
	if p.Header.Extension {
		if len(data) < n+4 {
			return fmt.Errorf("%w: extension header exceeds buffer", ErrMalformed)
		}
		p.Header.ExtProfile = binary.BigEndian.Uint16(data[n : n+2])
		extLen := int(binary.BigEndian.Uint16(data[n+2:n+4])) * 4
		n += 4
		if len(data) < n+extLen {
			return fmt.Errorf("%w: extension data exceeds buffer", ErrMalformed)
		}
		p.Header.ExtData = data[n : n+extLen]
		n += extLen
	}

	p.Payload = data[n:]

	if p.Header.Padding {
		if len(p.Payload) == 0 {
			return fmt.Errorf("%w: padding declared on empty payload", ErrMalformed)
		}
		pad := int(p.Payload[len(p.Payload)-1])
		if pad == 0 || pad > len(p.Payload) {
			return fmt.Errorf("%w: padding length exceeds payload", ErrMalformed)
		}
		p.Payload = p.Payload[:len(p.Payload)-pad]
	}

	return nil
}

// String returns a string representation of the RTP packet
func (p *Packet) String() string {
	return fmt.Sprintf("RTP{V:%d PT:%d Seq:%d TS:%d SSRC:%d M:%t PayloadLen:%d}",
		p.Header.Version,
		p.Header.PayloadType,
		p.Header.SequenceNumber,
		p.Header.Timestamp,
		p.Header.SSRC,
		p.Header.Marker,
		len(p.Payload))
}

// boolToBit converts boolean to bit (0 or 1)
func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
