package flv

import (
	"encoding/binary"
	"fmt"

	"flvtap/pkg/amf"
	"flvtap/pkg/h264"
)

// Tag types
const (
	TagTypeAudio      = 8
	TagTypeVideo      = 9
	TagTypeScriptData = 18
)

// Video frame types
const (
	FrameKey   = 1
	FrameInter = 2
)

// AVC packet types
const (
	AVCPacketSequenceHeader = 0
	AVCPacketNALU           = 1
)

// CodecAVC is the FLV video codec id for H.264.
const CodecAVC = 7

// TagHeaderSize is the fixed size of a tag header in bytes.
const TagHeaderSize = 11

// FileHeader returns the 9-byte FLV file header for a video-only stream.
// The 4-byte PreviousTagSize that follows it is written by the caller.
func FileHeader() []byte {
	// 'F' 'L' 'V', version 1, flags (video only), data offset 9
	return []byte{0x46, 0x4C, 0x56, 0x01, 0x01, 0x00, 0x00, 0x00, 0x09}
}

// Tag is a single FLV tag. Data excludes the tag header and the trailing
// PreviousTagSize field; both are added by Marshal.
type Tag struct {
	Type      uint8
	Timestamp uint32 // milliseconds on the FLV clock
	Data      []byte
}

// Marshal serializes the tag: 11-byte header, payload, then the 4-byte
// PreviousTagSize covering header and payload.
func (t *Tag) Marshal() []byte {
	size := TagHeaderSize + len(t.Data)
	buf := make([]byte, size+4)

	buf[0] = t.Type
	putUint24(buf[1:4], uint32(len(t.Data)))
	putUint24(buf[4:7], t.Timestamp&0xFFFFFF)
	buf[7] = uint8(t.Timestamp >> 24) // extended timestamp byte
	// stream id, always 0
	copy(buf[TagHeaderSize:], t.Data)
	binary.BigEndian.PutUint32(buf[size:], uint32(size))

	return buf
}

// Keyframe reports whether a video tag carries a key frame.
func (t *Tag) Keyframe() bool {
	return t.Type == TagTypeVideo && len(t.Data) > 0 && t.Data[0]>>4 == FrameKey
}

// SequenceHeader reports whether a video tag carries an AVC sequence
// header rather than media.
func (t *Tag) SequenceHeader() bool {
	return t.Type == TagTypeVideo && len(t.Data) > 1 && t.Data[1] == AVCPacketSequenceHeader
}

// SequenceHeaderTag builds the AVC sequence header tag carrying an
// AVCDecoderConfigurationRecord with one SPS and one PPS.
func SequenceHeaderTag(params h264.Parameters) (*Tag, error) {
	if !params.Complete() {
		return nil, fmt.Errorf("incomplete codec parameters")
	}
	if len(params.SPS) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(params.SPS))
	}

	record := make([]byte, 0, 11+len(params.SPS)+len(params.PPS))
	record = append(record, 0x01)                                       // configuration version
	record = append(record, params.SPS[1], params.SPS[2], params.SPS[3]) // profile, compat, level
	record = append(record, 0xFF)                                       // 4-byte NALU lengths
	record = append(record, 0xE1)                                       // one SPS
	record = append(record, byte(len(params.SPS)>>8), byte(len(params.SPS)))
	record = append(record, params.SPS...)
	record = append(record, 0x01) // one PPS
	record = append(record, byte(len(params.PPS)>>8), byte(len(params.PPS)))
	record = append(record, params.PPS...)

	data := make([]byte, 0, 5+len(record))
	data = append(data, FrameKey<<4|CodecAVC, AVCPacketSequenceHeader, 0, 0, 0)
	data = append(data, record...)

	return &Tag{Type: TagTypeVideo, Timestamp: 0, Data: data}, nil
}

// VideoTag builds an AVC video tag from the NAL units of one access
// unit, each prefixed with its 4-byte big-endian length. The composition
// time offset is always zero: no B-frame reordering is attempted.
func VideoTag(keyframe bool, timestamp uint32, nalus []h264.NALU) *Tag {
	frameType := uint8(FrameInter)
	if keyframe {
		frameType = FrameKey
	}

	size := 5
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}

	data := make([]byte, 0, size)
	data = append(data, frameType<<4|CodecAVC, AVCPacketNALU, 0, 0, 0)
	for _, nalu := range nalus {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(nalu)))
		data = append(data, length[:]...)
		data = append(data, nalu...)
	}

	return &Tag{Type: TagTypeVideo, Timestamp: timestamp, Data: data}
}

// MetadataTag builds the onMetaData script tag.
func MetadataTag(fields amf.ECMAArray) (*Tag, error) {
	data, err := amf.EncodeAMF0Sequence("onMetaData", fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &Tag{Type: TagTypeScriptData, Timestamp: 0, Data: data}, nil
}

func putUint24(buf []byte, v uint32) {
	buf[0] = uint8(v >> 16)
	buf[1] = uint8(v >> 8)
	buf[2] = uint8(v)
}
