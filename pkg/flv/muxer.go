package flv

import (
	"flvtap/pkg/h264"
)

// Muxer turns H.264 access units into FLV video tags.
//
// No video tag is ever produced before an AVC sequence header tag:
// access units arriving before the codec parameters are known are
// dropped (and counted). Timestamps are rebased so the first access
// unit starts the FLV clock at zero.
type Muxer struct {
	clockRate uint32

	params     h264.Parameters
	haveParams bool
	headerSent bool

	baseSet bool
	baseTS  uint32

	dropped uint64
}

// NewMuxer allocates a Muxer. clockRate is the RTP clock rate negotiated
// for the video track, typically 90000.
func NewMuxer(clockRate int) *Muxer {
	return &Muxer{clockRate: uint32(clockRate)}
}

// SetParameters installs or replaces the codec parameters. A change
// after the sequence header was emitted causes a new sequence header to
// be produced before the next video tag.
func (m *Muxer) SetParameters(params h264.Parameters) {
	if !params.Complete() {
		return
	}
	if m.haveParams && m.params.Equal(params) {
		return
	}
	m.params = params
	m.haveParams = true
	m.headerSent = false
}

// Ready reports whether the muxer has codec parameters and can emit
// video tags.
func (m *Muxer) Ready() bool {
	return m.haveParams
}

// Dropped returns the number of access units discarded because no codec
// parameters were available yet.
func (m *Muxer) Dropped() uint64 {
	return m.dropped
}

// Mux converts one access unit into FLV tags. When the sequence header
// is still pending (first call, or parameters changed), it precedes the
// video tag in the returned slice.
func (m *Muxer) Mux(au *h264.AccessUnit) ([]*Tag, error) {
	if !m.haveParams {
		m.dropped++
		return nil, nil
	}

	var tags []*Tag
	if !m.headerSent {
		header, err := SequenceHeaderTag(m.params)
		if err != nil {
			return nil, err
		}
		tags = append(tags, header)
		m.headerSent = true
	}

	if !m.baseSet {
		m.baseSet = true
		m.baseTS = au.Timestamp
	}

	tag := VideoTag(au.Keyframe, m.millis(au.Timestamp), au.NALUs)
	return append(tags, tag), nil
}

// millis converts an RTP timestamp to FLV milliseconds, rebased to the
// session start. The subtraction is wrap-safe in uint32.
func (m *Muxer) millis(ts uint32) uint32 {
	return uint32(uint64(ts-m.baseTS) * 1000 / uint64(m.clockRate))
}
