package rtp

// IsAhead reports whether sequence number a is ahead of b in modulo-2^16
// arithmetic. A forward distance of at most 32768 counts as ahead.
func IsAhead(a, b uint16) bool {
	return a != b && a-b <= 0x8000
}

// SequenceTracker tracks the last seen RTP sequence number for one
// session and classifies each arrival as in-order, a gap (loss) or
// late/duplicate. Comparisons are wrap-aware.
type SequenceTracker struct {
	initialized bool
	last        uint16
	lost        uint64
	late        uint64
}

// Track records the arrival of seq. It returns the number of sequence
// numbers skipped since the previous packet (0 when contiguous) and
// whether the packet arrived late or duplicated and should be discarded.
func (t *SequenceTracker) Track(seq uint16) (gap int, late bool) {
	if !t.initialized {
		t.initialized = true
		t.last = seq
		return 0, false
	}

	if !IsAhead(seq, t.last) {
		t.late++
		return 0, true
	}

	gap = int(seq - t.last - 1)
	t.lost += uint64(gap)
	t.last = seq
	return gap, false
}

// Last returns the last in-order sequence number seen.
func (t *SequenceTracker) Last() uint16 {
	return t.last
}

// Lost returns the cumulative count of sequence numbers never seen.
func (t *SequenceTracker) Lost() uint64 {
	return t.lost
}

// Late returns the cumulative count of late or duplicate arrivals.
func (t *SequenceTracker) Late() uint64 {
	return t.late
}
