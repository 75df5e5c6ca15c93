// Package eventbus fans typed StreamEvents out to subscribers, keyed
// by correlation id. Each subscriber gets a bounded buffered channel
// in the spirit of the teacher's internal/channel.TunableChannel: a
// slow subscriber drops the oldest buffered event rather than
// blocking the publisher, per spec.md §4.11 ("bounded buffer; oldest
// dropped if subscriber slow").
package eventbus

import (
	"sync"
	"time"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Bus is a process-wide singleton: one event stream per correlation
// id, delivered at-most-once, in order, best-effort.
type Bus struct {
	mu         sync.Mutex
	streams    map[orchtypes.CorrelationId]*stream
	bufferSize int
}

type stream struct {
	mu       sync.Mutex
	sequence int64
	subs     map[int]chan orchtypes.StreamEvent
	nextSub  int
}

// New constructs an empty Bus. bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{streams: make(map[orchtypes.CorrelationId]*stream), bufferSize: bufferSize}
}

func (b *Bus) streamFor(id orchtypes.CorrelationId) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		s = &stream{subs: make(map[int]chan orchtypes.StreamEvent)}
		b.streams[id] = s
	}
	return s
}

// Publish appends a sequence-numbered event to id's stream and fans it
// out to every current subscriber. Sequence numbers are strictly
// increasing per correlation id with no gaps (spec.md §8 invariant 4).
func (b *Bus) Publish(id orchtypes.CorrelationId, eventName string, data map[string]any) orchtypes.StreamEvent {
	s := b.streamFor(id)
	s.mu.Lock()
	s.sequence++
	ev := orchtypes.StreamEvent{
		EventName: eventName,
		Sequence:  s.sequence,
		Timestamp: time.Now(),
		Data:      data,
	}
	subs := make([]chan orchtypes.StreamEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow: drop the oldest buffered event to
			// make room rather than block the publisher.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return ev
}

// Subscription is a live handle on one subscriber's event channel.
type Subscription struct {
	Events <-chan orchtypes.StreamEvent
	cancel func()
}

// Close detaches the subscription: its channel is removed from the
// stream at once, so later Publish calls skip it. The channel itself
// is not closed.
func (s *Subscription) Close() { s.cancel() }

// Subscribe opens a new subscription on id's stream. Events are
// ephemeral: anything published before Subscribe is never replayed.
func (b *Bus) Subscribe(id orchtypes.CorrelationId) *Subscription {
	s := b.streamFor(id)
	ch := make(chan orchtypes.StreamEvent, b.bufferSize)

	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	s.subs[subID] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	}
	return &Subscription{Events: ch, cancel: cancel}
}

// Close releases id's stream state entirely, once a run has finished
// and every subscriber has disconnected.
func (b *Bus) Close(id orchtypes.CorrelationId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, id)
}
