package flv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flvtap/pkg/h264"
)

var muxParams = h264.Parameters{
	SPS: []byte{0x67, 0x42, 0xC0, 0x28, 0xD9},
	PPS: []byte{0x68, 0xCE, 0x3C, 0x80},
}

func accessUnit(ts uint32, keyframe bool) *h264.AccessUnit {
	nalu := h264.NALU{0x41, 0x9A}
	if keyframe {
		nalu = h264.NALU{0x65, 0x88}
	}
	return &h264.AccessUnit{Timestamp: ts, NALUs: []h264.NALU{nalu}, Keyframe: keyframe}
}

func TestMuxerSequenceHeaderFirst(t *testing.T) {
	m := NewMuxer(90000)

	// No parameters yet: access units are dropped, never emitted headerless.
	tags, err := m.Mux(accessUnit(0, true))
	require.NoError(t, err)
	require.Empty(t, tags)
	require.Equal(t, uint64(1), m.Dropped())

	m.SetParameters(muxParams)
	tags, err = m.Mux(accessUnit(3000, true))
	require.NoError(t, err)
	require.Len(t, tags, 2)
	require.Equal(t, uint8(AVCPacketSequenceHeader), tags[0].Data[1])
	require.Equal(t, uint8(AVCPacketNALU), tags[1].Data[1])
}

func TestMuxerTimestampConversion(t *testing.T) {
	m := NewMuxer(90000)
	m.SetParameters(muxParams)

	var got []uint32
	for i, ts := range []uint32{0, 3000, 6000} {
		tags, err := m.Mux(accessUnit(ts, i == 0))
		require.NoError(t, err)
		got = append(got, tags[len(tags)-1].Timestamp)
	}

	require.Equal(t, []uint32{0, 33, 66}, got)
}

func TestMuxerTimestampRebase(t *testing.T) {
	m := NewMuxer(90000)
	m.SetParameters(muxParams)

	tags, err := m.Mux(accessUnit(900000, true))
	require.NoError(t, err)
	require.Equal(t, uint32(0), tags[len(tags)-1].Timestamp)

	tags, err = m.Mux(accessUnit(900000+90000, false))
	require.NoError(t, err)
	require.Equal(t, uint32(1000), tags[len(tags)-1].Timestamp)
}

func TestMuxerParameterChangeReemitsHeader(t *testing.T) {
	m := NewMuxer(90000)
	m.SetParameters(muxParams)

	tags, err := m.Mux(accessUnit(0, true))
	require.NoError(t, err)
	require.Len(t, tags, 2)

	// Same parameters again: no new header.
	m.SetParameters(muxParams)
	tags, err = m.Mux(accessUnit(3000, false))
	require.NoError(t, err)
	require.Len(t, tags, 1)

	changed := h264.Parameters{SPS: []byte{0x67, 0x64, 0x00, 0x1F}, PPS: muxParams.PPS}
	m.SetParameters(changed)
	tags, err = m.Mux(accessUnit(6000, true))
	require.NoError(t, err)
	require.Len(t, tags, 2)
	require.Equal(t, uint8(AVCPacketSequenceHeader), tags[0].Data[1])
}
