package backend_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/backend"
	"github.com/run-vibes/vibes-core/internal/events"
)

// ---- Creation tests ----

func TestNewCreatesWithEmptyUpstreamID(t *testing.T) {
	b := backend.NewMockBackend()
	require.Empty(t, b.UpstreamSessionID())
}

func TestNewWithSessionIDUsesProvidedID(t *testing.T) {
	b := backend.NewMockBackendWithSessionID("my-session-123")
	require.Equal(t, "my-session-123", b.UpstreamSessionID())
}

func TestNewStartsInIdleState(t *testing.T) {
	b := backend.NewMockBackend()
	require.Equal(t, "Idle", b.State().Kind)
}

// ---- Queue response tests ----

func TestQueueResponseStoresEvents(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Hello"})
	require.True(t, b.HasQueuedResponses())
}

func TestQueueMultipleResponses(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "First"})
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Second"})
	require.Equal(t, 2, b.QueuedResponseCount())
}

func TestQueueErrorConvenienceMethod(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueError("something failed", true)
	require.True(t, b.HasQueuedResponses())
}

// ---- Send tests ----

func recvWithin(t *testing.T, ch <-chan events.AssistantEvent, d time.Duration) events.AssistantEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(d):
		t.Fatal("timed out waiting for event")
		return events.AssistantEvent{}
	}
}

func TestSendEmitsQueuedEvents(t *testing.T) {
	b := backend.NewMockBackend()
	sub := b.Subscribe()

	b.QueueResponse(
		events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Hello"},
		events.AssistantEvent{Kind: events.AssistantTurnComplete},
	)

	require.NoError(t, b.Send("Hi there"))

	ev1 := recvWithin(t, sub, time.Second)
	require.Equal(t, events.AssistantTextDelta, ev1.Kind)
	require.Equal(t, "Hello", ev1.Text)

	ev2 := recvWithin(t, sub, time.Second)
	require.Equal(t, events.AssistantTurnComplete, ev2.Kind)
}

func TestSendTransitionsToProcessingThenIdle(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTurnComplete})

	require.Equal(t, "Idle", b.State().Kind)

	require.NoError(t, b.Send("test"))

	require.Eventually(t, func() bool {
		return b.State().Kind == "Idle"
	}, time.Second, 5*time.Millisecond)
}

func TestSendWithErrorTransitionsToFailed(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueError("something went wrong", false)

	require.NoError(t, b.Send("test"))

	require.Eventually(t, func() bool {
		st := b.State()
		return st.Kind == "Failed" && !st.Recoverable
	}, time.Second, 5*time.Millisecond)
}

func TestSendConsumesQueuedResponse(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTurnComplete})
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Second"})
	require.Equal(t, 2, b.QueuedResponseCount())

	require.NoError(t, b.Send("first"))
	require.Equal(t, 1, b.QueuedResponseCount())

	require.NoError(t, b.Send("second"))
	require.Equal(t, 0, b.QueuedResponseCount())
}

func TestSendWithoutQueuedResponseReturnsError(t *testing.T) {
	b := backend.NewMockBackend()
	require.Error(t, b.Send("test"))
}

// ---- Subscribe tests ----

func TestSubscribeReceivesEventsFromSend(t *testing.T) {
	b := backend.NewMockBackend()
	sub := b.Subscribe()

	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Test"})
	require.NoError(t, b.Send("input"))

	ev := recvWithin(t, sub, time.Second)
	require.Equal(t, "Test", ev.Text)
}

func TestMultipleSubscribersReceiveSameEvents(t *testing.T) {
	b := backend.NewMockBackend()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTextDelta, Text: "Shared"})
	require.NoError(t, b.Send("input"))

	ev1 := recvWithin(t, sub1, time.Second)
	ev2 := recvWithin(t, sub2, time.Second)
	require.Equal(t, "Shared", ev1.Text)
	require.Equal(t, "Shared", ev2.Text)
}

// ---- Permission tests ----

func TestRespondPermissionAdvancesStateFromWaitingPermission(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantPermissionRequest, RequestID: "req-1", Tool: "bash"})
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantTurnComplete})

	require.NoError(t, b.Send("run the command"))
	require.Eventually(t, func() bool {
		return b.State().Kind == "WaitingPermission"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.RespondPermission("req-1", true))
	require.Eventually(t, func() bool {
		return b.State().Kind == "Idle"
	}, time.Second, 5*time.Millisecond)
}

func TestRespondPermissionWithoutPendingRequestReturnsError(t *testing.T) {
	b := backend.NewMockBackend()
	require.Error(t, b.RespondPermission("req-1", true))
}

func TestRespondPermissionWithMismatchedRequestIDReturnsError(t *testing.T) {
	b := backend.NewMockBackend()
	b.QueueResponse(events.AssistantEvent{Kind: events.AssistantPermissionRequest, RequestID: "req-1", Tool: "bash"})

	require.NoError(t, b.Send("run the command"))
	require.Eventually(t, func() bool {
		return b.State().Kind == "WaitingPermission"
	}, time.Second, 5*time.Millisecond)

	require.Error(t, b.RespondPermission("some-other-request", true))
}

// ---- Shutdown tests ----

func TestShutdownSucceeds(t *testing.T) {
	b := backend.NewMockBackend()
	require.NoError(t, b.Shutdown())
}

func TestShutdownTransitionsToFinished(t *testing.T) {
	b := backend.NewMockBackend()
	require.NoError(t, b.Shutdown())
	require.Equal(t, "Finished", b.State().Kind)
}

func TestShutdownClosesSubscriberChannels(t *testing.T) {
	b := backend.NewMockBackend()
	sub := b.Subscribe()
	require.NoError(t, b.Shutdown())

	_, ok := <-sub
	require.False(t, ok)
}

func TestMockFactoryCreatesBackendWithGivenUpstreamID(t *testing.T) {
	f := backend.MockFactory{}

	be, err := f.Create("")
	require.NoError(t, err)
	require.Empty(t, be.UpstreamSessionID())

	be2, err := f.Create("resumed-id")
	require.NoError(t, err)
	require.Equal(t, "resumed-id", be2.UpstreamSessionID())
}
