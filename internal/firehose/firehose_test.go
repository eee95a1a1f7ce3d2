package firehose_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/eventbus"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/firehose"
)

func setupServer(t *testing.T) (*eventlog.Log, *eventbus.Bus, *httptest.Server) {
	t.Helper()
	log, err := eventlog.New()
	require.NoError(t, err)
	bus := eventbus.New()
	s := firehose.New(log, bus, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	srv := httptest.NewServer(s.Echo())
	t.Cleanup(srv.Close)
	return log, bus, srv
}

func connectWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/api/firehose"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func publishSession(t *testing.T, log *eventlog.Log, bus *eventbus.Bus, sessionID, state string) {
	t.Helper()
	env := events.NewEnvelope(events.SessionStateChanged{SessID: sessionID, State: state})
	offset, err := log.Append(env)
	require.NoError(t, err)
	env.Offset = offset
	bus.Publish(env)
}

// TestFirehoseHistoryAndPagination_S4 implements spec.md scenario S4
// exactly: 150 events, a bounded 100-event initial batch (offsets
// 50..149), a live event at offset 150, then fetch_older keyed by
// before_event_id (not a raw offset) returning offsets 0..49.
func TestFirehoseHistoryAndPagination_S4(t *testing.T) {
	log, bus, srv := setupServer(t)

	for i := 0; i < 150; i++ {
		publishSession(t, log, bus, "s1", "Processing")
	}

	conn := connectWS(t, srv)

	batch := readFrame(t, conn)
	require.Equal(t, "events_batch", batch["type"])
	evs, ok := batch["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, evs, 100)
	require.Equal(t, true, batch["has_more"])
	require.EqualValues(t, 50, batch["oldest_offset"])

	oldestFrame, ok := evs[0].(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 50, oldestFrame["offset"])
	oldestEvent, ok := oldestFrame["event"].(map[string]interface{})
	require.True(t, ok)
	oldestEventID, ok := oldestEvent["id"].(string)
	require.True(t, ok)

	publishSession(t, log, bus, "s1", "Idle")

	live := readFrame(t, conn)
	require.Equal(t, "event", live["type"])
	require.EqualValues(t, 150, live["offset"])

	req, err := json.Marshal(map[string]interface{}{
		"type":            "fetch_older",
		"before_event_id": oldestEventID,
		"limit":           50,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, req))

	older := readFrame(t, conn)
	require.Equal(t, "events_batch", older["type"])
	olderEvs, ok := older["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, olderEvs, 50)
	require.Equal(t, false, older["has_more"])
}

func TestFirehoseSetFiltersAppliesToLiveEvents(t *testing.T) {
	log, bus, srv := setupServer(t)
	conn := connectWS(t, srv)

	_ = readFrame(t, conn) // initial (empty) history batch

	req, err := json.Marshal(map[string]string{"type": "set_filters", "session": "target"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, req))

	// Give the server a moment to apply the filter before publishing.
	time.Sleep(50 * time.Millisecond)

	publishSession(t, log, bus, "other", "Processing")
	publishSession(t, log, bus, "target", "Processing")

	live := readFrame(t, conn)
	require.Equal(t, "event", live["type"])
	inner, ok := live["event"].(map[string]interface{})
	require.True(t, ok)
	payload, ok := inner["payload"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "target", payload["session_id"])
}

func TestFirehoseFetchOlderReturnsBoundedBatch(t *testing.T) {
	log, bus, srv := setupServer(t)

	for i := 0; i < firehose.HistoricalEventCount+10; i++ {
		publishSession(t, log, bus, "s1", "Processing")
	}

	conn := connectWS(t, srv)
	first := readFrame(t, conn)
	require.Equal(t, "events_batch", first["type"])
	require.Equal(t, true, first["has_more"])

	evs, ok := first["events"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, evs)
	oldestFrame, ok := evs[0].(map[string]interface{})
	require.True(t, ok)
	oldestEvent, ok := oldestFrame["event"].(map[string]interface{})
	require.True(t, ok)
	oldestEventID, ok := oldestEvent["id"].(string)
	require.True(t, ok)

	req, err := json.Marshal(map[string]interface{}{
		"type":            "fetch_older",
		"before_event_id": oldestEventID,
		"limit":           50,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, req))

	older := readFrame(t, conn)
	require.Equal(t, "events_batch", older["type"])
	olderEvs, ok := older["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, olderEvs, 10)
	require.Equal(t, false, older["has_more"])
}
