// Package agent implements C5: a registry of autonomous agents with
// lifecycle operations (register, get, remove, list, run_task, pause,
// resume, cancel, stop).
//
// The CRUD/filter/lifecycle surface is grounded on
// original_source/vibes-core/src/agent/registry.rs (register/get/
// remove/list/by_type/by_status_variant, stop = cancel-then-remove).
// The concurrency-limited dispatch pattern (reservation counter,
// TOCTOU-safe) is grounded on tarsy's
// pkg/agent/orchestrator/runner.go Dispatch.
package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/eventbus"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/verr"
)

// Type is the closed set of agent types from spec.md §3.
type Type string

const (
	TypeAdHoc       Type = "AdHoc"
	TypeBackground  Type = "Background"
	TypeSubagent    Type = "Subagent"
	TypeInteractive Type = "Interactive"
)

// StatusVariant discriminates an agent's Status for filtering, per
// spec.md's AgentStatusVariant.
type StatusVariant string

const (
	StatusIdle            StatusVariant = "Idle"
	StatusRunning         StatusVariant = "Running"
	StatusPaused          StatusVariant = "Paused"
	StatusWaitingForInput StatusVariant = "WaitingForInput"
	StatusFailed          StatusVariant = "Failed"
)

// TaskResult is the terminal outcome of a Task.
type TaskResult string

const (
	TaskCompleted TaskResult = "Completed"
	TaskFailed    TaskResult = "Failed"
	TaskCancelled TaskResult = "Cancelled"
)

// Task is a unit of work handed to an agent.
type Task struct {
	ID          string
	Description string
}

// NewTask mints a task with a fresh id.
func NewTask(description string) Task {
	return Task{ID: uuid.New().String(), Description: description}
}

// Runner is the work function an Agent executes; it must observe
// ctx.Done() at its suspension points for cooperative cancellation.
type Runner func(ctx context.Context, task Task) (TaskResult, error)

// Agent is one autonomous task worker. An Agent owns at most one
// in-flight task.
type Agent struct {
	id   string
	name string
	typ  Type
	run  Runner

	mu        sync.Mutex
	status    StatusVariant
	cancel    context.CancelFunc
	taskDone  chan struct{}
}

// New constructs an Idle agent with a fresh id.
func New(name string, typ Type, run Runner) *Agent {
	return &Agent{id: uuid.New().String(), name: name, typ: typ, run: run, status: StatusIdle}
}

func (a *Agent) ID() string            { return a.id }
func (a *Agent) Name() string          { return a.name }
func (a *Agent) Type() Type            { return a.typ }
func (a *Agent) StatusVariant() StatusVariant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Registry owns a set of agent instances and provides lifecycle
// operations. It is passive: it never polls agents, only reacts to
// explicit calls.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	reservedMu sync.Mutex
	reserved   int
	maxConcurrent int

	log *eventlog.Log
	bus *eventbus.Bus
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConcurrent bounds the number of simultaneously in-flight
// tasks across the whole registry (0 = unbounded).
func WithMaxConcurrent(n int) Option {
	return func(r *Registry) { r.maxConcurrent = n }
}

// NewRegistry constructs an empty Registry. log and bus are where status/task
// events are announced.
func NewRegistry(log *eventlog.Log, bus *eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{agents: make(map[string]*Agent), log: log, bus: bus}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) publish(p events.Payload) {
	env := events.NewEnvelope(p)
	offset, err := r.log.Append(env)
	if err == nil {
		env.Offset = offset
	}
	r.bus.Publish(env)
}

// Register adds an agent and returns its id.
func (r *Registry) Register(a *Agent) string {
	r.mu.Lock()
	r.agents[a.id] = a
	r.mu.Unlock()
	return a.id
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, verr.NewNotFound("agent", id)
	}
	return a, nil
}

// Remove deletes an agent from the registry.
func (r *Registry) Remove(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, verr.NewNotFound("agent", id)
	}
	delete(r.agents, id)
	return a, nil
}

// List returns every agent id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// ByType returns agent ids of the given type.
func (r *Registry) ByType(t Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if a.Type() == t {
			ids = append(ids, id)
		}
	}
	return ids
}

// ByStatusVariant returns agent ids currently in the given status.
func (r *Registry) ByStatusVariant(v StatusVariant) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if a.StatusVariant() == v {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) setStatus(a *Agent, status StatusVariant) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	r.publish(events.AgentStatusChanged{AgentID: a.id, Status: string(status)})
}

// reserve implements the TOCTOU-safe concurrency-limit check from
// tarsy's orchestrator/runner.go Dispatch: a "reserved" counter is
// checked and incremented atomically under the same lock, and the
// caller must release it on every exit path.
func (r *Registry) reserve() bool {
	if r.maxConcurrent <= 0 {
		return true
	}
	r.reservedMu.Lock()
	defer r.reservedMu.Unlock()
	if r.reserved >= r.maxConcurrent {
		return false
	}
	r.reserved++
	return true
}

func (r *Registry) release() {
	if r.maxConcurrent <= 0 {
		return
	}
	r.reservedMu.Lock()
	r.reserved--
	r.reservedMu.Unlock()
}

// RunTask hands task to agent and blocks until it reaches a terminal
// TaskResult.
func (r *Registry) RunTask(ctx context.Context, id string, task Task) (TaskResult, error) {
	a, err := r.Get(id)
	if err != nil {
		return "", err
	}

	if !r.reserve() {
		return "", verr.NewInvalidState("agent-registry", "capacity available", "at capacity")
	}
	defer r.release()

	a.mu.Lock()
	if a.cancel != nil {
		got := a.status
		a.mu.Unlock()
		return "", verr.NewInvalidState("agent", "Idle", string(got))
	}
	taskCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.taskDone = make(chan struct{})
	a.mu.Unlock()

	r.setStatus(a, StatusRunning)
	r.publish(events.AgentTaskAssigned{AgentID: a.id, TaskID: task.ID})

	result, runErr := a.run(taskCtx, task)

	a.mu.Lock()
	close(a.taskDone)
	a.cancel = nil
	a.mu.Unlock()

	if runErr != nil && result == "" {
		result = TaskFailed
	}

	if result == TaskCancelled {
		r.setStatus(a, StatusIdle)
	} else if result == TaskFailed {
		r.setStatus(a, StatusFailed)
	} else {
		r.setStatus(a, StatusIdle)
	}
	r.publish(events.AgentTaskCompleted{AgentID: a.id, TaskID: task.ID, Result: string(result)})

	return result, runErr
}

// Pause is only valid in Running state; otherwise InvalidState.
func (r *Registry) Pause(id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.status != StatusRunning {
		got := a.status
		a.mu.Unlock()
		return verr.NewInvalidState("agent", string(StatusRunning), string(got))
	}
	a.mu.Unlock()
	r.setStatus(a, StatusPaused)
	return nil
}

// Resume restores a Paused agent's in-flight task to Running (pausing
// never actually halts execution, it only marks the agent
// unavailable for new dispatch, so the task resumes where it left
// off and keeps owning its single in-flight slot per spec.md §4.5).
// Resuming an already-Idle agent is a harmless no-op; any other
// status is InvalidState.
func (r *Registry) Resume(id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	switch status {
	case StatusPaused:
		r.setStatus(a, StatusRunning)
	case StatusIdle:
		// nothing to resume
	default:
		return verr.NewInvalidState("agent", string(StatusPaused), string(status))
	}
	return nil
}

// Cancel signals the in-flight task to stop; the agent returns to
// Idle once the cancelled task completes with TaskResult::Cancelled.
func (r *Registry) Cancel(id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stop cancels then removes, atomically with respect to other
// registry operations: no observer sees the agent in the registry
// after Stop returns.
func (r *Registry) Stop(id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	cancel := a.cancel
	done := a.taskDone
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		if done != nil {
			<-done
		}
	}

	_, err = r.Remove(id)
	return err
}
