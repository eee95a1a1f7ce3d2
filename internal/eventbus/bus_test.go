package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/eventbus"
)

func envelope(sessionID string) events.Envelope {
	return events.NewEnvelope(events.SessionCreated{SessID: sessionID})
}

func TestPublishAssignsIncreasingSequence(t *testing.T) {
	b := eventbus.New()
	s1 := b.Publish(envelope("a"))
	s2 := b.Publish(envelope("b"))
	s3 := b.Publish(envelope("c"))
	require.Equal(t, uint64(0), s1)
	require.Equal(t, uint64(1), s2)
	require.Equal(t, uint64(2), s3)
	require.Equal(t, uint64(3), b.CurrentSequence())
}

func TestPublishWithZeroSubscribersSucceeds(t *testing.T) {
	b := eventbus.New()
	seq := b.Publish(envelope("a"))
	require.Equal(t, uint64(0), seq)
}

func TestSubscribeOnlySeesEventsAfterSubscription(t *testing.T) {
	b := eventbus.New()
	b.Publish(envelope("before"))

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(envelope("after"))

	select {
	case d := <-sub.Recv():
		p, ok := d.Event.Payload.(events.SessionCreated)
		require.True(t, ok)
		require.Equal(t, "after", p.SessID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribersSeeSameOrder(t *testing.T) {
	b := eventbus.New()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(envelope("1"))
	b.Publish(envelope("2"))

	for _, s := range []*eventbus.Subscription{s1, s2} {
		d1 := <-s.Recv()
		d2 := <-s.Recv()
		p1 := d1.Event.Payload.(events.SessionCreated)
		p2 := d2.Event.Payload.(events.SessionCreated)
		require.Equal(t, "1", p1.SessID)
		require.Equal(t, "2", p2.SessID)
	}
}

func TestSlowSubscriberDropsOldestAndReportsLag(t *testing.T) {
	b := eventbus.New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < eventbus.DefaultBufferSize+10; i++ {
		b.Publish(envelope("x"))
	}

	var lastLag uint64
	drained := 0
	for {
		select {
		case d := <-sub.Recv():
			drained++
			if d.Lagged > 0 {
				lastLag = d.Lagged
			}
		default:
			goto done
		}
	}
done:
	require.LessOrEqual(t, drained, eventbus.DefaultBufferSize)
	require.Greater(t, lastLag, uint64(0))
}

func TestGetSessionEventsFiltersByKey(t *testing.T) {
	b := eventbus.New()
	b.Publish(envelope("s1"))
	b.Publish(envelope("s2"))
	b.Publish(envelope("s1"))

	s1Events := b.GetSessionEvents("s1")
	require.Len(t, s1Events, 2)
}

func TestEventsFromReturnsTailStartingAtSeq(t *testing.T) {
	b := eventbus.New()
	b.Publish(envelope("a"))
	b.Publish(envelope("b"))
	b.Publish(envelope("c"))

	tail := b.EventsFrom(1)
	require.Len(t, tail, 2)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := eventbus.New()
	sub := b.Subscribe()
	sub.Unsubscribe()
	require.NotPanics(t, func() { sub.Unsubscribe() })
	require.Equal(t, 0, b.SubscriberCount())
}
