// Package session implements C4: the lifecycle of interactive
// sessions fronting a pluggable backend, emitting domain events for
// every externally observable state change.
//
// Grounded on original_source/vibes-core/src/session/manager.rs for
// the map-of-sessions-under-a-lock shape and the with_session
// borrow-the-callback pattern; the map/RWMutex idiom also mirrors
// tarsy's pkg/session/manager.go.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/run-vibes/vibes-core/internal/backend"
	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/eventbus"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/verr"
)

// State is the closed set of session states from spec.md §3/§4.4.
type State string

const (
	StateIdle              State = "Idle"
	StateProcessing        State = "Processing"
	StateWaitingPermission State = "WaitingPermission"
	StateFinished          State = "Finished"
	StateFailed            State = "Failed"
)

// Session is one interactive conversation fronted by a Backend.
type Session struct {
	mu sync.Mutex

	id         string
	name       string
	upstreamID string

	state         State
	permRequest   string // pending permission request id, set only in WaitingPermission
	permTool      string
	failMessage   string
	failRecoverable bool

	backend backend.Backend
}

func (s *Session) ID() string { return s.id }

func (s *Session) snapshot() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.name
}

// Manager owns the set of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory backend.Factory
	log     *eventlog.Log
	bus     *eventbus.Bus
}

// New constructs a Manager. factory creates Backend instances for new
// sessions; log and bus are the durable and live publish targets
// every state change is announced through (durable-before-visible,
// see DESIGN.md open question 1).
func New(factory backend.Factory, log *eventlog.Log, bus *eventbus.Bus) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		log:      log,
		bus:      bus,
	}
}

func (m *Manager) publish(p events.Payload) {
	env := events.NewEnvelope(p)
	offset, err := m.log.Append(env)
	if err == nil {
		env.Offset = offset
	}
	m.bus.Publish(env)
}

// CreateSession mints a unique id, instantiates a Backend via the
// injected factory, and records a SessionCreated event.
func (m *Manager) CreateSession(name string) (string, error) {
	id := uuid.New().String()
	if _, err := m.createSessionWithID(id, name, ""); err != nil {
		return "", err
	}
	return id, nil
}

// CreateSessionWithID is for resumption; it rejects duplicates.
func (m *Manager) CreateSessionWithID(id, name, upstreamID string) (string, error) {
	return m.createSessionWithID(id, name, upstreamID)
}

func (m *Manager) createSessionWithID(id, name, upstreamID string) (string, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return "", verr.NewDuplicate("session", id)
	}

	be, err := m.factory.Create(upstreamID)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("create backend: %w", err)
	}

	sess := &Session{id: id, name: name, upstreamID: upstreamID, state: StateIdle, backend: be}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.publish(events.SessionCreated{SessID: id, Name: name})
	sub := be.Subscribe()
	go m.forwardBackendEvents(sess, sub)
	return id, nil
}

// WithSession borrows the session under the manager's lock and runs
// fn; this is the only safe way to send input, matching
// original_source's with_session(id, fn) contract.
func (m *Manager) WithSession(id string, fn func(*Session) error) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return verr.NewNotFound("session", id)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

// SendInput delivers user input to a session's backend, advancing its
// state machine: Idle --user_input--> Processing.
func (m *Manager) SendInput(id, content, source string) error {
	return m.WithSession(id, func(sess *Session) error {
		if sess.state == StateFinished || sess.state == StateFailed {
			return verr.NewInvalidState("session", "Idle or Processing", string(sess.state))
		}
		if err := sess.backend.Send(content); err != nil {
			return fmt.Errorf("backend send: %w", err)
		}
		m.transitionLocked(sess, StateProcessing)
		m.publish(events.UserInput{SessID: id, Content: content, Source: source})
		return nil
	})
}

// RespondPermission replies to a pending permission request.
func (m *Manager) RespondPermission(id, requestID string, approved bool) error {
	return m.WithSession(id, func(sess *Session) error {
		if sess.state != StateWaitingPermission || sess.permRequest != requestID {
			return verr.NewInvalidState("session", "WaitingPermission", string(sess.state))
		}
		if err := sess.backend.RespondPermission(requestID, approved); err != nil {
			return fmt.Errorf("backend respond permission: %w", err)
		}
		m.transitionLocked(sess, StateProcessing)
		m.publish(events.PermissionResponse{SessID: id, RequestID: requestID, Approved: approved})
		return nil
	})
}

// transitionLocked announces a state change BEFORE the new state is
// observable via queries (sess.mu already held by caller).
func (m *Manager) transitionLocked(sess *Session, state State) {
	sess.state = state
	m.publish(events.SessionStateChanged{SessID: sess.id, State: string(state)})
}

// forwardBackendEvents is the "backend-event forwarder" cooperating
// task from spec.md §9: it receives from the backend's broadcast
// channel, updates session state under the session lock, and emits
// domain events, serialized with the command-intake path via sess.mu.
func (m *Manager) forwardBackendEvents(sess *Session, sub <-chan events.AssistantEvent) {
	for ev := range sub {
		sess.mu.Lock()
		switch ev.Kind {
		case events.AssistantTurnComplete:
			m.transitionLocked(sess, StateIdle)
		case events.AssistantPermissionRequest:
			sess.permRequest = ev.RequestID
			sess.permTool = ev.Tool
			m.transitionLocked(sess, StateWaitingPermission)
		case events.AssistantError:
			sess.failMessage = ev.Message
			sess.failRecoverable = ev.Recoverable
			if !ev.Recoverable {
				sess.state = StateFailed
				m.publish(events.SessionStateChanged{SessID: sess.id, State: string(StateFailed)})
			} else {
				m.transitionLocked(sess, StateIdle)
			}
		}
		m.publish(events.Assistant{SessID: sess.id, Event: ev})
		sess.mu.Unlock()
	}
}

// GetSessionState returns a session's current state.
func (m *Manager) GetSessionState(id string) (State, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return "", verr.NewNotFound("session", id)
	}
	state, _ := sess.snapshot()
	return state, nil
}

// GetSessionName returns a session's name.
func (m *Manager) GetSessionName(id string) (string, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return "", verr.NewNotFound("session", id)
	}
	_, name := sess.snapshot()
	return name, nil
}

// ListSessions returns every live session id.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionWithState pairs an id with its current state, returned by
// ListSessionsWithState.
type SessionWithState struct {
	ID    string
	State State
}

// ListSessionsWithState returns every live session id alongside its
// current state in one pass.
func (m *Manager) ListSessionsWithState() []SessionWithState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionWithState, 0, len(m.sessions))
	for id, sess := range m.sessions {
		state, _ := sess.snapshot()
		out = append(out, SessionWithState{ID: id, State: state})
	}
	return out
}

// RemoveSession destroys a session by explicit removal.
func (m *Manager) RemoveSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return verr.NewNotFound("session", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	_ = sess.backend.Shutdown()
	m.publish(events.SessionRemoved{SessID: id})
	return nil
}

// SessionCount reports how many sessions are currently tracked.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
