// Package eventbus implements C2: an in-process, lossy-under-
// backpressure broadcast of domain events to live subscribers.
//
// Grounded on original_source/vibes-core/src/events/memory.rs
// (store-then-broadcast, events_from/get_session_events replay) and
// on other_examples/800cca53_nugget-thane-ai-agent's bus.go for the
// Go subscriber bookkeeping and nil-safe, non-blocking-send idioms.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/run-vibes/vibes-core/internal/events"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// DefaultReplayCapacity bounds the in-memory tail kept for
// events_from/get_session_events; spec.md §4.2 notes this is bounded
// replay, not the full C1 log.
const DefaultReplayCapacity = 1000

// Delivery is what a subscriber receives: always an event, plus a
// non-zero Lagged count when older buffered deliveries were dropped
// to make room for it.
type Delivery struct {
	Event  events.Envelope
	Lagged uint64
}

// Subscription is a bounded receive channel plus its own dropped
// counter, reset to zero once reported via a Delivery.Lagged.
type Subscription struct {
	ch      chan Delivery
	bus     *Bus
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Recv returns the subscription's channel for range/select use.
func (s *Subscription) Recv() <-chan Delivery { return s.ch }

// Unsubscribe stops further delivery and releases the subscriber slot.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus is the C2 broadcast bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	seqMu sync.Mutex
	seq   uint64

	replayMu sync.Mutex
	replay   []seqEnvelope
	capacity int
}

type seqEnvelope struct {
	seq uint64
	env events.Envelope
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: DefaultReplayCapacity,
	}
}

// Publish assigns a monotonic process-local sequence to e, appends it
// to the bounded replay tail, and fans it out to every current
// subscriber. Publishing to zero subscribers is a success, not an
// error (spec.md §7 partial-failure semantics).
func (b *Bus) Publish(e events.Envelope) uint64 {
	b.seqMu.Lock()
	seq := b.seq
	b.seq++
	b.seqMu.Unlock()

	b.replayMu.Lock()
	b.replay = append(b.replay, seqEnvelope{seq: seq, env: e})
	if len(b.replay) > b.capacity {
		b.replay = b.replay[len(b.replay)-b.capacity:]
	}
	b.replayMu.Unlock()

	// Snapshot subscribers under a read lock, then release it before
	// sending, so a slow subscriber can never block other subscribers
	// or the publisher — grounded on tarsy pkg/events/manager.go's
	// Broadcast, which does the same snapshot-then-send split.
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(e)
	}

	return seq
}

// deliver is non-blocking: if the subscriber's buffer is full, the
// bus drops the OLDEST buffered delivery to make room for e (rather
// than dropping e itself), which is the literal "drop oldest
// buffered" policy spec.md §4.2 specifies, and bumps the lag counter
// reported on the next successful receive.
func (s *Subscription) deliver(e events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	d := Delivery{Event: e}
	for {
		select {
		case s.ch <- d:
			if d.Lagged > 0 {
				s.dropped = 0
			}
			return
		default:
		}
		// Buffer full: drop the oldest queued delivery and retry.
		select {
		case <-s.ch:
			s.dropped++
			d.Lagged = s.dropped
		default:
			// Raced with a concurrent receive; buffer has room now.
		}
	}
}

// Subscribe registers a new bounded-buffer subscriber. It receives
// every event published after this call returns until it calls
// Unsubscribe or falls behind enough to lose events (reported via
// Delivery.Lagged).
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan Delivery, DefaultBufferSize), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// CurrentSequence returns the next sequence to be assigned.
func (b *Bus) CurrentSequence() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.seq
}

// EventsFrom returns the in-memory tail from seq onward, bounded by
// the replay capacity. For full replay, callers should use C1.
func (b *Bus) EventsFrom(seq uint64) []events.Envelope {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	var out []events.Envelope
	for _, se := range b.replay {
		if se.seq >= seq {
			out = append(out, se.env)
		}
	}
	return out
}

// GetSessionEvents returns the in-memory tail filtered to a single
// session key.
func (b *Bus) GetSessionEvents(sessionID string) []events.Envelope {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	var out []events.Envelope
	for _, se := range b.replay {
		if se.env.SessionID() == sessionID {
			out = append(out, se.env)
		}
	}
	return out
}

// EventsBefore returns up to limit events with sequence < before (or
// the full replay tail if before is 0), in ascending sequence order,
// along with the sequence of the oldest event returned and whether
// older events exist beyond what was returned. Used by the firehose
// for historical replay and fetch_older pagination: because Bus
// sequence numbers are a single global total order (unlike C1's
// per-partition offsets), they can be compared and windowed directly
// without the cross-partition sorting pitfall spec.md §9 flags.
func (b *Bus) EventsBefore(before uint64, limit int) (out []events.Envelope, oldest uint64, hasMore bool) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	var window []seqEnvelope
	for _, se := range b.replay {
		if before == 0 || se.seq < before {
			window = append(window, se)
		}
	}
	if limit > 0 && len(window) > limit {
		hasMore = true
		window = window[len(window)-limit:]
	}
	out = make([]events.Envelope, 0, len(window))
	for _, se := range window {
		out = append(out, se.env)
	}
	if len(window) > 0 {
		oldest = window[0].seq
	}
	return out, oldest, hasMore
}

// SeqForEventID resolves an event's UUID to its bus sequence number,
// for clients that page by event id (spec.md §6's before_event_id)
// rather than a raw sequence. Only events still in the bounded replay
// tail can be resolved.
func (b *Bus) SeqForEventID(id uuid.UUID) (uint64, bool) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	for _, se := range b.replay {
		if se.env.ID == id {
			return se.seq, true
		}
	}
	return 0, false
}

// SubscriberCount reports the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
