// Package events defines the closed variant set of domain events that
// flow through the event log (internal/eventlog) and event bus
// (internal/eventbus). The variant set mirrors spec.md's Session /
// Assistant-stream / Agent / Permission / Eval / Hook categories,
// expanded to concrete Go types in SPEC_FULL.md.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindSessionCreated      Kind = "SessionCreated"
	KindSessionStateChanged Kind = "SessionStateChanged"
	KindSessionRemoved      Kind = "SessionRemoved"
	KindUserInput           Kind = "UserInput"
	KindAssistant           Kind = "Claude"
	KindPermissionResponse  Kind = "PermissionResponse"
	KindAgentStatusChanged  Kind = "AgentStatusChanged"
	KindAgentTaskAssigned   Kind = "AgentTaskAssigned"
	KindAgentTaskCompleted  Kind = "AgentTaskCompleted"
	KindHook                Kind = "Hook"
	KindClientConnected     Kind = "ClientConnected"
	KindClientDisconnected  Kind = "ClientDisconnected"
	KindStudyCreated        Kind = "StudyCreated"
	KindStudyStarted        Kind = "StudyStarted"
	KindStudyPaused         Kind = "StudyPaused"
	KindStudyResumed        Kind = "StudyResumed"
	KindStudyStopped        Kind = "StudyStopped"
)

// Payload is implemented by every concrete event variant. SessionID
// returns the partition/filter key, or "" if the event is global.
type Payload interface {
	Kind() Kind
	SessionID() string
}

// Envelope is the immutable record stored by the event log and
// broadcast by the event bus. ID is the 128-bit event identifier
// required by spec.md §3; Offset is filled in by the event log at
// append time and is zero before that.
type Envelope struct {
	ID        uuid.UUID `json:"id"`
	Offset    uint64    `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// NewEnvelope stamps a fresh id and timestamp around a payload. Offset
// is assigned later by the event log.
func NewEnvelope(p Payload) Envelope {
	return Envelope{ID: uuid.New(), Timestamp: time.Now().UTC(), Payload: p}
}

func (e Envelope) Kind() Kind      { return e.Payload.Kind() }
func (e Envelope) SessionID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.SessionID()
}

// ---- Session payloads ----

type SessionCreated struct {
	SessID string `json:"session_id"`
	Name   string `json:"name,omitempty"`
}

func (p SessionCreated) Kind() Kind        { return KindSessionCreated }
func (p SessionCreated) SessionID() string { return p.SessID }

type SessionStateChanged struct {
	SessID string `json:"session_id"`
	State  string `json:"state"`
}

func (p SessionStateChanged) Kind() Kind        { return KindSessionStateChanged }
func (p SessionStateChanged) SessionID() string { return p.SessID }

type SessionRemoved struct {
	SessID string `json:"session_id"`
}

func (p SessionRemoved) Kind() Kind        { return KindSessionRemoved }
func (p SessionRemoved) SessionID() string { return p.SessID }

// ---- Assistant-stream payloads ----

type UserInput struct {
	SessID  string `json:"session_id"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

func (p UserInput) Kind() Kind        { return KindUserInput }
func (p UserInput) SessionID() string { return p.SessID }

// AssistantEvent is the sub-variant carried by an Assistant payload;
// exactly one field among the Text/Tool/Turn/Permission/Err groups is
// populated, discriminated by AssistantKind.
type AssistantKind string

const (
	AssistantTextDelta         AssistantKind = "TextDelta"
	AssistantToolUseStart      AssistantKind = "ToolUseStart"
	AssistantToolUseFinish     AssistantKind = "ToolUseFinish"
	AssistantTurnComplete      AssistantKind = "TurnComplete"
	AssistantPermissionRequest AssistantKind = "PermissionRequest"
	AssistantError             AssistantKind = "Error"
)

type AssistantEvent struct {
	Kind          AssistantKind `json:"kind"`
	Text          string        `json:"text,omitempty"`
	Tool          string        `json:"tool,omitempty"`
	ToolInput     string        `json:"tool_input,omitempty"`
	ToolOutput    string        `json:"tool_output,omitempty"`
	Usage         Usage         `json:"usage,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
	Message       string        `json:"message,omitempty"`
	Recoverable   bool          `json:"recoverable,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

type Assistant struct {
	SessID string         `json:"session_id"`
	Event  AssistantEvent `json:"event"`
}

func (p Assistant) Kind() Kind        { return KindAssistant }
func (p Assistant) SessionID() string { return p.SessID }

// ---- Permission payloads ----

type PermissionResponse struct {
	SessID    string `json:"session_id"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

func (p PermissionResponse) Kind() Kind        { return KindPermissionResponse }
func (p PermissionResponse) SessionID() string { return p.SessID }

// ---- Agent payloads ----

type AgentStatusChanged struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (p AgentStatusChanged) Kind() Kind        { return KindAgentStatusChanged }
func (p AgentStatusChanged) SessionID() string { return "" }

type AgentTaskAssigned struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

func (p AgentTaskAssigned) Kind() Kind        { return KindAgentTaskAssigned }
func (p AgentTaskAssigned) SessionID() string { return "" }

type AgentTaskCompleted struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Result  string `json:"result"`
}

func (p AgentTaskCompleted) Kind() Kind        { return KindAgentTaskCompleted }
func (p AgentTaskCompleted) SessionID() string { return "" }

// ---- Hook payloads ----
//
// Hook events cover the generic plugin/detector surface; the study
// lifecycle itself (below) gets dedicated event types since spec.md
// names its events explicitly, but specific assessment-detector
// logic (scoring heuristics, what counts as "eval.scored") stays out
// of scope and rides on Hook.

type Hook struct {
	Name    string         `json:"name"`
	SessID  string         `json:"session_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (p Hook) Kind() Kind        { return KindHook }
func (p Hook) SessionID() string { return p.SessID }

// ---- Client lifecycle payloads (global, no session key) ----

type ClientConnected struct {
	ClientID string `json:"client_id"`
}

func (p ClientConnected) Kind() Kind        { return KindClientConnected }
func (p ClientConnected) SessionID() string { return "" }

type ClientDisconnected struct {
	ClientID string `json:"client_id"`
}

func (p ClientDisconnected) Kind() Kind        { return KindClientDisconnected }
func (p ClientDisconnected) SessionID() string { return "" }

// ---- Study payloads (longitudinal evaluation lifecycle) ----
//
// Grounded on vibes-evals' Study/StudyManager: a study runs
// independently of any one session, so these carry no session key.

type PeriodType string

const (
	PeriodHourly  PeriodType = "hourly"
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

type StudyCreated struct {
	StudyID     string     `json:"study_id"`
	Name        string     `json:"name"`
	PeriodType  PeriodType `json:"period_type"`
	PeriodValue int        `json:"period_value,omitempty"`
}

func (p StudyCreated) Kind() Kind        { return KindStudyCreated }
func (p StudyCreated) SessionID() string { return "" }

type StudyStarted struct {
	StudyID string `json:"study_id"`
}

func (p StudyStarted) Kind() Kind        { return KindStudyStarted }
func (p StudyStarted) SessionID() string { return "" }

type StudyPaused struct {
	StudyID string `json:"study_id"`
}

func (p StudyPaused) Kind() Kind        { return KindStudyPaused }
func (p StudyPaused) SessionID() string { return "" }

type StudyResumed struct {
	StudyID string `json:"study_id"`
}

func (p StudyResumed) Kind() Kind        { return KindStudyResumed }
func (p StudyResumed) SessionID() string { return "" }

type StudyStopped struct {
	StudyID string `json:"study_id"`
}

func (p StudyStopped) Kind() Kind        { return KindStudyStopped }
func (p StudyStopped) SessionID() string { return "" }
