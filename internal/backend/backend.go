// Package backend implements C6: the uniform streaming contract
// between a Session and an AI-assistant process, with scripted-mock
// and subprocess variants.
//
// The mock variant and its inline state-update-then-broadcast
// ordering are grounded on
// original_source/vibes-core/src/backend/mock.rs.
package backend

import (
	"fmt"
	"sync"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/verr"
)

// State mirrors Session's states from the backend's point of view.
type State struct {
	Kind        string // Idle | Processing | WaitingPermission | Failed | Finished
	RequestID   string
	Tool        string
	Message     string
	Recoverable bool
}

// Backend is the uniform contract a Session drives.
type Backend interface {
	// Send accepts one user message; non-blocking with respect to the
	// assistant's response, which arrives asynchronously via Subscribe.
	Send(input string) error
	// Subscribe returns a channel of events emitted by the assistant.
	// The channel is closed when the backend shuts down.
	Subscribe() <-chan events.AssistantEvent
	// RespondPermission replies to a pending permission request.
	RespondPermission(requestID string, approved bool) error
	// UpstreamSessionID is a stable identity for resumption.
	UpstreamSessionID() string
	// State returns the backend's current observable state.
	State() State
	// Shutdown terminates the backend, transitioning it to Finished.
	Shutdown() error
}

// Factory creates a fresh Backend, allowing the session manager to
// inject test doubles (scripted mock) vs. real subprocess variants.
type Factory interface {
	Create(upstreamID string) (Backend, error)
}

// backendStateAfter is the single rule table both the mock and
// subprocess variants use to advance State from an AssistantEvent,
// applied immediately before the triggering event is forwarded to
// subscribers — this is how the two variants are made to converge on
// the same observable behaviour (DESIGN.md open question 3).
func backendStateAfter(prev State, ev events.AssistantEvent) State {
	switch ev.Kind {
	case events.AssistantTurnComplete:
		return State{Kind: "Idle"}
	case events.AssistantPermissionRequest:
		return State{Kind: "WaitingPermission", RequestID: ev.RequestID, Tool: ev.Tool}
	case events.AssistantError:
		if ev.Recoverable {
			return State{Kind: "Idle"}
		}
		return State{Kind: "Failed", Message: ev.Message, Recoverable: false}
	default:
		return prev
	}
}

var errNoQueuedResponse = fmt.Errorf("no queued response in mock backend")

// MockBackend is the scripted test double: a FIFO queue of event
// lists; each Send pops one list and emits its events.
type MockBackend struct {
	mu         sync.Mutex
	upstreamID string
	state      State
	responses  [][]events.AssistantEvent
	subs       []chan events.AssistantEvent
	closed     bool
}

// NewMockBackend constructs an idle mock with no upstream id.
func NewMockBackend() *MockBackend {
	return &MockBackend{state: State{Kind: "Idle"}}
}

// NewMockBackendWithSessionID constructs a mock carrying a fixed
// upstream id, for resumption tests.
func NewMockBackendWithSessionID(id string) *MockBackend {
	return &MockBackend{upstreamID: id, state: State{Kind: "Idle"}}
}

// QueueResponse appends one scripted response (a list of events
// emitted together) to the FIFO queue.
func (m *MockBackend) QueueResponse(evs ...events.AssistantEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, evs)
}

// QueueError is shorthand for QueueResponse with a single Error event.
func (m *MockBackend) QueueError(message string, recoverable bool) {
	m.QueueResponse(events.AssistantEvent{Kind: events.AssistantError, Message: message, Recoverable: recoverable})
}

// HasQueuedResponses reports whether Send would succeed right now.
func (m *MockBackend) HasQueuedResponses() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses) > 0
}

// QueuedResponseCount reports how many scripted responses remain.
func (m *MockBackend) QueuedResponseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}

func (m *MockBackend) Send(_ string) error {
	m.mu.Lock()
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return errNoQueuedResponse
	}
	batch := m.responses[0]
	m.responses = m.responses[1:]
	m.state = State{Kind: "Processing"}
	subs := append([]chan events.AssistantEvent(nil), m.subs...)
	m.mu.Unlock()

	m.emitBatch(batch, subs)
	return nil
}

// emitBatch applies backendStateAfter to each event in order, before
// fanning it out to subs, the same sequencing Send uses — shared so
// RespondPermission advances state identically instead of going stale.
func (m *MockBackend) emitBatch(batch []events.AssistantEvent, subs []chan events.AssistantEvent) {
	for _, ev := range batch {
		m.mu.Lock()
		m.state = backendStateAfter(m.state, ev)
		m.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (m *MockBackend) Subscribe() <-chan events.AssistantEvent {
	ch := make(chan events.AssistantEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// RespondPermission resolves a pending WaitingPermission state the
// same way Send resolves Idle: it pops the next queued response (if
// any) and advances state via backendStateAfter, rather than leaving
// the backend's observable state stuck at WaitingPermission forever.
func (m *MockBackend) RespondPermission(requestID string, _ bool) error {
	m.mu.Lock()
	if m.state.Kind != "WaitingPermission" {
		m.mu.Unlock()
		return errFromInvalidState("mock backend", "WaitingPermission", m.state.Kind)
	}
	if m.state.RequestID != "" && m.state.RequestID != requestID {
		m.mu.Unlock()
		return errFromInvalidState("mock backend", "WaitingPermission("+m.state.RequestID+")", "WaitingPermission("+requestID+")")
	}
	var batch []events.AssistantEvent
	if len(m.responses) > 0 {
		batch = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.state = State{Kind: "Processing"}
	subs := append([]chan events.AssistantEvent(nil), m.subs...)
	m.mu.Unlock()

	m.emitBatch(batch, subs)
	return nil
}

func (m *MockBackend) UpstreamSessionID() string { return m.upstreamID }

func (m *MockBackend) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockBackend) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.state = State{Kind: "Finished"}
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	return nil
}

// MockFactory produces MockBackend instances.
type MockFactory struct{}

func (MockFactory) Create(upstreamID string) (Backend, error) {
	if upstreamID == "" {
		return NewMockBackend(), nil
	}
	return NewMockBackendWithSessionID(upstreamID), nil
}

// errFromInvalidState adapts a backend-local misuse into the shared
// error taxonomy, e.g. responding permission on an idle backend.
func errFromInvalidState(resource, want, got string) error {
	return verr.NewInvalidState(resource, want, got)
}
