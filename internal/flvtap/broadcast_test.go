package flvtap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"flvtap/pkg/flv"
	"flvtap/pkg/h264"
)

func testSequenceHeader(t *testing.T) *flv.Tag {
	t.Helper()
	tag, err := flv.SequenceHeaderTag(h264.Parameters{
		SPS: []byte{0x67, 0x42, 0xC0, 0x1E},
		PPS: []byte{0x68, 0xCE, 0x31, 0x52},
	})
	require.NoError(t, err)
	return tag
}

func keyframeTag(ts uint32) *flv.Tag {
	return flv.VideoTag(true, ts, []h264.NALU{{0x65, 0x01}})
}

func interTag(ts uint32) *flv.Tag {
	return flv.VideoTag(false, ts, []h264.NALU{{0x41, 0x01}})
}

func drain(sub *Subscriber) []*flv.Tag {
	var tags []*flv.Tag
	for {
		select {
		case tag := <-sub.Tags():
			tags = append(tags, tag)
		default:
			return tags
		}
	}
}

func TestBroadcasterStartsOnKeyframe(t *testing.T) {
	b := NewBroadcaster("rtsp://cam/stream", 16)

	// Stream already running before anyone joins.
	b.Publish(testSequenceHeader(t))
	b.Publish(keyframeTag(0))
	b.Publish(interTag(33))
	b.Publish(interTag(66))

	sub := b.Subscribe()

	// Non-keyframes do not start a pending subscriber.
	b.Publish(interTag(100))
	require.Empty(t, drain(sub))

	b.Publish(keyframeTag(133))
	b.Publish(interTag(166))

	tags := drain(sub)
	require.Len(t, tags, 3)
	require.True(t, tags[0].SequenceHeader())
	require.True(t, tags[1].Keyframe())
	require.Equal(t, uint32(133), tags[1].Timestamp)
	require.Equal(t, uint32(166), tags[2].Timestamp)
}

func TestBroadcasterPrologueGate(t *testing.T) {
	b := NewBroadcaster("rtsp://cam/stream", 16)

	_, ready := b.Prologue()
	require.False(t, ready)

	meta, err := flv.MetadataTag(map[string]any{"duration": 0})
	require.NoError(t, err)
	b.SetMetadata(meta)
	_, ready = b.Prologue()
	require.False(t, ready)

	b.Publish(testSequenceHeader(t))
	metadata, ready := b.Prologue()
	require.True(t, ready)
	require.Equal(t, meta, metadata)
}

func TestBroadcasterSlowSubscriberDropped(t *testing.T) {
	b := NewBroadcaster("rtsp://cam/stream", 2)
	b.Publish(testSequenceHeader(t))

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Starting fills two slots: sequence header plus keyframe.
	b.Publish(keyframeTag(0))
	require.Len(t, drain(fast), 2)

	// The slow subscriber's queue is still full; the next tag evicts it.
	b.Publish(interTag(33))

	select {
	case <-slow.Done():
		require.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	default:
		t.Fatal("slow subscriber was not dropped")
	}

	// The fast subscriber is unaffected.
	require.Nil(t, fast.Err())
	tags := drain(fast)
	require.Len(t, tags, 1)
	require.Equal(t, uint32(33), tags[0].Timestamp)
	require.Equal(t, 1, b.Count())
}

func TestBroadcasterUnsubscribeIsolation(t *testing.T) {
	b := NewBroadcaster("rtsp://cam/stream", 16)
	b.Publish(testSequenceHeader(t))

	a := b.Subscribe()
	c := b.Subscribe()
	require.Equal(t, 2, b.Count())

	b.Publish(keyframeTag(0))

	require.Equal(t, 1, b.Unsubscribe(a))
	require.Nil(t, a.Err())

	// The remaining subscriber keeps receiving.
	b.Publish(interTag(33))
	tags := drain(c)
	require.Len(t, tags, 3)

	require.Equal(t, 0, b.Unsubscribe(c))
}

func TestBroadcasterCloseReportsFault(t *testing.T) {
	b := NewBroadcaster("rtsp://cam/stream", 16)
	sub := b.Subscribe()

	fault := errors.New("upstream went away")
	b.Close(fault)

	<-sub.Done()
	require.Equal(t, fault, sub.Err())
	require.Equal(t, 0, b.Count())

	// Publishing after close is a no-op.
	b.Publish(keyframeTag(0))
}

func TestSubscriberErrBeforeDone(t *testing.T) {
	sub := newSubscriber(4)
	require.Nil(t, sub.Err())
	require.NotEmpty(t, sub.ID())

	sub.finish(nil)
	sub.finish(errors.New("second finish must not overwrite"))

	<-sub.Done()
	require.Nil(t, sub.Err())
}
