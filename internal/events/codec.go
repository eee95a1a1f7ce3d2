package events

import (
	"encoding/json"
	"fmt"
)

// wireEnvelope is the JSON-on-the-wire shape: the payload's Kind is
// promoted to a "kind" discriminant field so Envelope round-trips
// through JSON without external type information.
type wireEnvelope struct {
	ID        string          `json:"id"`
	Offset    uint64          `json:"offset"`
	Timestamp string          `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	w := wireEnvelope{
		ID:        e.ID.String(),
		Offset:    e.Offset,
		Timestamp: e.Timestamp.Format(rfc3339Nano),
		Kind:      e.Kind(),
		Payload:   payload,
	}
	return json.Marshal(w)
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	id, err := parseUUID(w.ID)
	if err != nil {
		return err
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return err
	}
	e.ID = id
	e.Offset = w.Offset
	e.Timestamp = ts
	e.Payload = payload
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var err error
	switch kind {
	case KindSessionCreated:
		var p SessionCreated
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindSessionStateChanged:
		var p SessionStateChanged
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindSessionRemoved:
		var p SessionRemoved
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindUserInput:
		var p UserInput
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindAssistant:
		var p Assistant
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindPermissionResponse:
		var p PermissionResponse
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindAgentStatusChanged:
		var p AgentStatusChanged
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindAgentTaskAssigned:
		var p AgentTaskAssigned
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindAgentTaskCompleted:
		var p AgentTaskCompleted
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindHook:
		var p Hook
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindClientConnected:
		var p ClientConnected
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindClientDisconnected:
		var p ClientDisconnected
		err = json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
