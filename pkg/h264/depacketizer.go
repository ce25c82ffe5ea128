package h264

import (
	"encoding/binary"
	"errors"
	"fmt"

	"flvtap/pkg/rtp"
)

// ErrUnsupportedPayload is returned when a packet uses an RTP payload
// mode other than single NALU, STAP-A or FU-A.
var ErrUnsupportedPayload = errors.New("unsupported RTP payload mode")

// Depacketizer reassembles H.264 NAL units and access units from a
// sequence of RTP packets (RFC 6184: single NALU, STAP-A and FU-A).
//
// Packets are fed through a wrap-aware sequence tracker first: late or
// duplicate packets are dropped, and a gap marks the access unit being
// assembled as incomplete. Incomplete access units are discarded rather
// than emitted corrupt.
type Depacketizer struct {
	tracker rtp.SequenceTracker

	frag       []byte // FU-A reassembly buffer
	fragActive bool

	nalus   []NALU
	ts      uint32
	haveAU  bool
	damaged bool

	params    Parameters
	discarded uint64
}

// NewDepacketizer allocates a Depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Parameters returns the last SPS/PPS seen in-band.
func (d *Depacketizer) Parameters() Parameters {
	return d.params
}

// Lost returns the cumulative count of lost packets.
func (d *Depacketizer) Lost() uint64 {
	return d.tracker.Lost()
}

// Discarded returns the number of access units dropped as incomplete.
func (d *Depacketizer) Discarded() uint64 {
	return d.discarded
}

// Push processes one RTP packet and returns the access units completed
// by it (zero, one, or two when a timestamp change and a marker finalize
// different units). A returned error means the stream cannot be
// interpreted further and the session should be aborted.
func (d *Depacketizer) Push(pkt *rtp.Packet) ([]*AccessUnit, error) {
	gap, late := d.tracker.Track(pkt.Header.SequenceNumber)
	if late {
		return nil, nil
	}
	if gap > 0 {
		// Whatever was being assembled is missing packets.
		d.damaged = true
		d.fragActive = false
		d.frag = nil
	}

	var out []*AccessUnit

	// Loss recovery heuristic: a new timestamp without a marker ends the
	// previous access unit.
	if d.haveAU && pkt.Header.Timestamp != d.ts {
		if au := d.finalize(); au != nil {
			out = append(out, au)
		}
	}

	if err := d.consume(pkt); err != nil {
		return out, err
	}

	if pkt.Header.Marker {
		if au := d.finalize(); au != nil {
			out = append(out, au)
		}
	}

	return out, nil
}

// consume interprets one RTP payload and appends the resulting NAL
// units to the access unit being assembled.
func (d *Depacketizer) consume(pkt *rtp.Packet) error {
	payload := pkt.Payload
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", rtp.ErrMalformed)
	}

	if !d.haveAU {
		d.haveAU = true
		d.nalus = nil
		d.damaged = false
	}
	d.ts = pkt.Header.Timestamp

	typ := NALUType(payload[0] & 0x1F)
	switch {
	case typ == NALUTypeSTAPA:
		return d.consumeSTAPA(payload[1:])

	case typ == NALUTypeFUA:
		return d.consumeFUA(payload)

	case typ == NALUTypeSTAPB || typ == NALUTypeMTAP16 ||
		typ == NALUTypeMTAP24 || typ == NALUTypeFUB:
		d.dropCurrent()
		return fmt.Errorf("%w: %s", ErrUnsupportedPayload, typ)

	default:
		// Single NAL unit packet, passed through unchanged.
		if d.fragActive {
			// A fragment was left open; it can never complete now.
			d.abortFragment()
		}
		d.nalus = append(d.nalus, NALU(payload))
		return nil
	}
}

// consumeSTAPA splits an aggregation packet into its length-prefixed
// NAL units.
func (d *Depacketizer) consumeSTAPA(payload []byte) error {
	if d.fragActive {
		d.abortFragment()
	}

	var count int
	for len(payload) > 0 {
		if len(payload) < 2 {
			return fmt.Errorf("%w: truncated STAP-A size", rtp.ErrMalformed)
		}
		size := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]

		// trailing padding
		if size == 0 {
			break
		}
		if size > len(payload) {
			return fmt.Errorf("%w: STAP-A unit size exceeds payload", rtp.ErrMalformed)
		}

		d.nalus = append(d.nalus, NALU(payload[:size]))
		payload = payload[size:]
		count++
	}

	if count == 0 {
		return fmt.Errorf("%w: STAP-A without any NAL unit", rtp.ErrMalformed)
	}
	return nil
}

// consumeFUA accumulates one fragmentation unit. The reassembled NALU is
// appended when the end fragment arrives.
func (d *Depacketizer) consumeFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("%w: truncated FU-A header", rtp.ErrMalformed)
	}

	indicator := payload[0]
	fuHeader := payload[1]
	start := fuHeader>>7 == 1
	end := (fuHeader>>6)&0x01 == 1

	if start && end {
		d.abortFragment()
		d.damaged = true
		return nil
	}

	if start {
		if d.fragActive {
			// Two starts in a row: the previous fragment is lost.
			d.abortFragment()
			d.damaged = true
		}
		// Rebuild the NALU header from the indicator's NRI and the
		// original type carried in the FU header.
		nri := indicator & 0x60
		d.frag = append(d.frag[:0], nri|(fuHeader&0x1F))
		d.frag = append(d.frag, payload[2:]...)
		d.fragActive = true
		return nil
	}

	if !d.fragActive {
		// Continuation without a start: either a mid-stream join or the
		// start fragment was lost. The unit cannot be rebuilt.
		d.damaged = true
		return nil
	}

	d.frag = append(d.frag, payload[2:]...)

	if end {
		nalu := make(NALU, len(d.frag))
		copy(nalu, d.frag)
		d.nalus = append(d.nalus, nalu)
		d.fragActive = false
		d.frag = d.frag[:0]
	}
	return nil
}

// abortFragment drops a partially reassembled NALU.
func (d *Depacketizer) abortFragment() {
	d.fragActive = false
	d.frag = d.frag[:0]
}

// dropCurrent discards the access unit being assembled.
func (d *Depacketizer) dropCurrent() {
	if d.haveAU && len(d.nalus) > 0 {
		d.discarded++
	}
	d.abortFragment()
	d.nalus = nil
	d.haveAU = false
	d.damaged = false
}

// finalize closes the access unit being assembled. Damaged units (gap
// seen, or a fragment still open) are discarded and counted.
func (d *Depacketizer) finalize() *AccessUnit {
	if !d.haveAU {
		return nil
	}

	if d.fragActive {
		// Missing FU-A end fragment.
		d.damaged = true
		d.abortFragment()
	}

	nalus := d.nalus
	ts := d.ts
	damaged := d.damaged

	d.nalus = nil
	d.haveAU = false
	d.damaged = false

	if damaged {
		d.discarded++
		return nil
	}
	if len(nalus) == 0 {
		return nil
	}

	var hasIDR, hasSPS, hasPPS bool
	for _, nalu := range nalus {
		switch nalu.Type() {
		case NALUTypeIDR:
			hasIDR = true
		case NALUTypeSPS:
			hasSPS = true
			d.params.SPS = append([]byte(nil), nalu...)
		case NALUTypePPS:
			hasPPS = true
			d.params.PPS = append([]byte(nil), nalu...)
		}
	}

	return &AccessUnit{
		Timestamp: ts,
		NALUs:     nalus,
		Keyframe:  hasIDR || (hasSPS && hasPPS),
	}
}
