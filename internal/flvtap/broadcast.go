package flvtap

import (
	"log/slog"
	"sync"

	"flvtap/pkg/flv"
)

// Broadcaster fans one upstream session's FLV tags out to its
// subscribers. It caches the stream prologue (metadata and sequence
// header tags) for late joiners and gates each new subscriber on the
// first keyframe after it joined.
type Broadcaster struct {
	source string
	buffer int

	mu             sync.RWMutex
	subscribers    map[string]*Subscriber
	metadata       *flv.Tag
	sequenceHeader *flv.Tag
	closed         bool
}

func NewBroadcaster(source string, buffer int) *Broadcaster {
	return &Broadcaster{
		source:      source,
		buffer:      buffer,
		subscribers: make(map[string]*Subscriber),
	}
}

// Source returns the upstream URL this broadcaster serves.
func (b *Broadcaster) Source() string {
	return b.source
}

// Subscribe registers a new viewer. The returned subscriber receives
// no media until the next keyframe.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := newSubscriber(b.buffer)

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	slog.Info("subscriber joined", "source", b.source, "subscriber", sub.id, "count", count)
	return sub
}

// Unsubscribe removes a viewer. Returns the number of remaining
// subscribers so the registry can tear the session down on zero.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) int {
	sub.finish(nil)

	b.mu.Lock()
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.mu.Unlock()

	slog.Info("subscriber left", "source", b.source, "subscriber", sub.id, "count", count)
	return count
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// SetMetadata caches the onMetaData tag served to new viewers.
func (b *Broadcaster) SetMetadata(tag *flv.Tag) {
	b.mu.Lock()
	b.metadata = tag
	b.mu.Unlock()
}

// setSequenceHeader caches the latest sequence header for new viewers.
func (b *Broadcaster) setSequenceHeader(tag *flv.Tag) {
	b.mu.Lock()
	b.sequenceHeader = tag
	b.mu.Unlock()
}

// Prologue returns the cached metadata tag and whether the stream is
// ready for viewers, which requires the codec parameters to be known.
func (b *Broadcaster) Prologue() (*flv.Tag, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadata, b.sequenceHeader != nil
}

// Publish delivers one tag to the subscribers. Sequence header tags
// refresh the cached prologue and reach already-started subscribers.
// Media tags reach started subscribers; a keyframe starts a pending
// subscriber, which first receives the current sequence header so its
// decoder configuration always matches the frames that follow. A
// subscriber whose queue is full is disconnected rather than allowed
// to stall the stream.
func (b *Broadcaster) Publish(tag *flv.Tag) {
	sequenceHeader := tag.SequenceHeader()
	if sequenceHeader {
		b.setSequenceHeader(tag)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, sub := range b.subscribers {
		if !sub.started {
			if sequenceHeader || !tag.Keyframe() {
				continue
			}
			sub.started = true
			if !b.enqueue(id, sub, b.sequenceHeader) {
				continue
			}
		}
		b.enqueue(id, sub, tag)
	}
}

// enqueue sends one tag without blocking, dropping the subscriber on a
// full queue. The caller holds the write lock.
func (b *Broadcaster) enqueue(id string, sub *Subscriber, tag *flv.Tag) bool {
	select {
	case sub.tags <- tag:
		return true
	default:
		slog.Warn("dropping slow subscriber", "source", b.source, "subscriber", id)
		delete(b.subscribers, id)
		sub.finish(ErrSlowSubscriber)
		return false
	}
}

// Close ends every subscription. err is nil when the stream ended
// normally; otherwise each subscriber observes the fault.
func (b *Broadcaster) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		sub.finish(err)
	}
}
