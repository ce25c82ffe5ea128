package flvtap

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"flvtap/pkg/flv"
)

// ErrSlowSubscriber ends a viewer that fell too far behind the live
// edge.
var ErrSlowSubscriber = errors.New("subscriber fell behind the live edge")

// Subscriber is one viewer's delivery cursor: a bounded tag queue fed
// by the broadcaster. A subscriber is not started until the first
// keyframe after it joined; tags before that are withheld.
type Subscriber struct {
	id   string
	tags chan *flv.Tag

	// started is owned by the broadcaster's lock.
	started bool

	once sync.Once
	done chan struct{}
	err  error
}

func newSubscriber(buffer int) *Subscriber {
	return &Subscriber{
		id:   uuid.NewString(),
		tags: make(chan *flv.Tag, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the subscriber's unique id, used in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// Tags is the delivery channel. It is never closed; readers select on
// Done as well.
func (s *Subscriber) Tags() <-chan *flv.Tag {
	return s.tags
}

// Done is closed when the subscription ends, for any reason.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. It is nil for a graceful end
// of stream and before Done is closed.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// finish ends the subscription exactly once.
func (s *Subscriber) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
