// Package firehose implements C7: a WebSocket endpoint that streams
// every event flowing through the bus to subscribed clients, with
// bounded historical replay and client-driven filtering.
//
// The subscribe-before-history-load ordering guarantee, frame shapes
// (events_batch/event), fetch_older/set_filters client protocol, and
// filter semantics (type = case-insensitive substring over a
// comma-separated list, session = exact match) are all grounded on
// original_source/vibes-server/src/ws/firehose.rs. The snapshot-then-
// send broadcast discipline and single-goroutine-owns-connection
// invariant are grounded on tarsy's pkg/events/manager.go
// (ConnectionManager.Broadcast/HandleConnection); the echo+coder/
// websocket upgrade wiring is grounded on tarsy's pkg/api/server.go
// and handler_ws.go.
package firehose

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/run-vibes/vibes-core/internal/eventbus"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/events"
)

// HistoricalEventCount bounds how many past events are replayed to a
// newly connected client before live forwarding begins — matches
// firehose.rs's HISTORICAL_EVENT_COUNT.
const HistoricalEventCount = 100

const writeTimeout = 5 * time.Second

// Query is the filter a client applies to the firehose: Types is a
// comma-separated, case-insensitive substring filter; Session is an
// exact session-id match. Either may be empty to mean "no filter".
type Query struct {
	Types   string `json:"types,omitempty"`
	Session string `json:"session,omitempty"`
}

func (q Query) matches(env events.Envelope) bool {
	if q.Types != "" {
		kind := strings.ToLower(string(env.Kind()))
		matched := false
		for _, t := range strings.Split(q.Types, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && strings.Contains(kind, t) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if q.Session != "" && env.SessionID() != q.Session {
		return false
	}
	return true
}

// eventFrame is the "event" message shape: one live or historical
// event plus its log offset, mirroring firehose.rs's
// FirehoseEventMessage.
type eventFrame struct {
	Type   string          `json:"type"`
	Offset uint64          `json:"offset"`
	Event  json.RawMessage `json:"event"`
}

// batchFrame is the "events_batch" message shape for historical
// replay and fetch_older responses, mirroring firehose.rs's
// FirehoseEventsBatch.
type batchFrame struct {
	Type         string       `json:"type"`
	Events       []eventFrame `json:"events"`
	OldestOffset uint64       `json:"oldest_offset"`
	HasMore      bool         `json:"has_more"`
}

// clientMessage is any inbound control message from the client,
// shaped per spec.md §6: {"type":"fetch_older","before_event_id":"…",
// "limit":u64} or {"type":"set_filters","types":"…","session":"…"}.
type clientMessage struct {
	Type          string `json:"type"`
	Types         string `json:"types,omitempty"`
	Session       string `json:"session,omitempty"`
	BeforeEventID string `json:"before_event_id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// Server wires the firehose WebSocket endpoint into an echo router.
type Server struct {
	log *eventlog.Log
	bus *eventbus.Bus
	lg  *slog.Logger

	echo *echo.Echo
}

// New constructs a Server backed by log (for historical replay) and
// bus (for live forwarding).
func New(log *eventlog.Log, bus *eventbus.Bus, lg *slog.Logger) *Server {
	s := &Server{log: log, bus: bus, lg: lg, echo: echo.New()}
	s.echo.GET("/api/firehose", s.handleUpgrade)
	return s
}

// Echo exposes the underlying router so cmd/vibesd can mount
// additional plugin routes alongside the firehose endpoint.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleUpgrade(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.handleConnection(c.Request().Context(), conn)
	return nil
}

// handleConnection owns conn for its entire lifetime: every write and
// state mutation below happens on this one goroutine, matching tarsy's
// Connection discipline (no separate lock needed for per-connection
// state). Reads run in a helper goroutine that only decodes client
// messages and hands them over on a channel.
func (s *Server) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Subscribe BEFORE loading history: any event published while we
	// are still fetching the historical batch is captured by this
	// subscription's buffer instead of being lost in the gap.
	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	query := Query{}

	if err := s.sendHistory(ctx, conn, query, 0, HistoricalEventCount); err != nil {
		s.lg.Warn("firehose: failed to send initial history", "connection_id", connID, "error", err)
		return
	}

	incoming := make(chan clientMessage, 8)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErrs <- err
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.lg.Warn("firehose: malformed client message", "connection_id", connID, "error", err)
				continue
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErrs:
			return
		case msg := <-incoming:
			s.handleClientMessage(ctx, conn, &query, msg)
		case d := <-sub.Recv():
			if d.Lagged > 0 {
				s.lg.Warn("firehose: subscriber lagged, events dropped", "connection_id", connID, "dropped", d.Lagged)
			}
			if !query.matches(d.Event) {
				continue
			}
			if err := s.sendEvent(ctx, conn, d.Event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *websocket.Conn, query *Query, msg clientMessage) {
	switch msg.Type {
	case "set_filters":
		query.Types = msg.Types
		query.Session = msg.Session
	case "fetch_older":
		before := s.bus.CurrentSequence()
		if msg.BeforeEventID != "" {
			if id, err := uuid.Parse(msg.BeforeEventID); err == nil {
				if seq, ok := s.bus.SeqForEventID(id); ok {
					before = seq
				} else {
					s.lg.Warn("firehose: fetch_older before_event_id not found in replay tail", "before_event_id", msg.BeforeEventID)
				}
			} else {
				s.lg.Warn("firehose: malformed before_event_id", "before_event_id", msg.BeforeEventID, "error", err)
			}
		}
		limit := msg.Limit
		if limit <= 0 {
			limit = HistoricalEventCount
		}
		_ = s.sendHistory(ctx, conn, *query, before, limit)
	}
}

// sendHistory replays up to limit events from the
// bus's bounded replay tail ending at before (exclusive; before==0
// means "the most recent events"), mirroring firehose.rs's
// load_historical_events — adapted to page over the bus's global
// sequence number rather than a log offset, since C1's offsets are
// per-partition and not safely comparable across partitions (spec.md
// §9). The bus's replay tail is bounded (eventbus.DefaultReplayCapacity),
// so very old history may no longer be available; HasMore reflects
// only what is left in that tail, not the full C1 log.
func (s *Server) sendHistory(ctx context.Context, conn *websocket.Conn, query Query, before uint64, limit int) error {
	envs, oldest, hasMore := s.bus.EventsBefore(before, limit)

	frames := make([]eventFrame, 0, len(envs))
	for _, env := range envs {
		if !query.matches(env) {
			continue
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		frames = append(frames, eventFrame{Type: "event", Offset: env.Offset, Event: raw})
	}

	batch := batchFrame{
		Type:         "events_batch",
		Events:       frames,
		OldestOffset: oldest,
		HasMore:      hasMore,
	}
	return s.writeJSON(ctx, conn, batch)
}

func (s *Server) sendEvent(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, conn, eventFrame{Type: "event", Offset: env.Offset, Event: raw})
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
