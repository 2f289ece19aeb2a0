package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
	"keydot/internal/pipeline"
)

func snapshot(seq uint64, text string) pipeline.Snapshot {
	return pipeline.Snapshot{
		Sequence:  seq,
		UpdatedAt: time.Unix(1700000000, 0),
		Results: []pipeline.TrackedResult{{
			Sequence:   seq,
			Label:      "code",
			Confidence: 0.9,
			Box:        geometry.NewRect(10, 20, 110, 70),
			Region:     geometry.RectInt{Left: 5, Top: 15, Right: 115, Bottom: 75},
			Payload:    &pipeline.DecodedPayload{Format: pipeline.FormatQRCode, Text: text, Backend: "zxing"},
		}},
	}
}

func dial(t *testing.T, hub *ResultsHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		conn.Close()
		require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ResultsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ResultsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewResultsMessage(t *testing.T) {
	msg := NewResultsMessage(snapshot(4, "hello"), 640, 480)
	require.Equal(t, "results", msg.Type)
	require.EqualValues(t, 4, msg.Sequence)
	require.Len(t, msg.Results, 1)
	r := msg.Results[0]
	require.Equal(t, "QR_CODE: hello", r.Title)
	require.Equal(t, []float64{10, 20, 100, 50}, r.BBox)
	require.Equal(t, []int{5, 15, 110, 60}, r.Region)
	require.Equal(t, "zxing", r.Backend)

	empty := NewResultsMessage(pipeline.Snapshot{}, 640, 480)
	require.NotNil(t, empty.Results)
	require.False(t, empty.Timestamp.IsZero())
}

func TestHubBroadcast(t *testing.T) {
	hub := NewResultsHub(logs.NewTestingLog(t), 640, 480)
	conn := dial(t, hub)

	hub.UpdateResults(1, snapshot(1, "first"))
	msg := readMessage(t, conn)
	require.EqualValues(t, 1, msg.Sequence)
	require.Equal(t, 640, msg.FrameWidth)
	require.Equal(t, "first", msg.Results[0].Text)
}

func TestHubDropsStaleSequence(t *testing.T) {
	hub := NewResultsHub(logs.NewTestingLog(t), 640, 480)
	conn := dial(t, hub)

	hub.UpdateResults(5, snapshot(5, "new"))
	hub.UpdateResults(3, snapshot(3, "old"))
	hub.UpdateResults(6, snapshot(6, "newer"))
	require.EqualValues(t, 6, hub.CurrentSequence())

	require.EqualValues(t, 5, readMessage(t, conn).Sequence)
	require.EqualValues(t, 6, readMessage(t, conn).Sequence)
}

func TestHubSendsLatestOnConnect(t *testing.T) {
	hub := NewResultsHub(logs.NewTestingLog(t), 640, 480)
	hub.UpdateResults(2, snapshot(2, "cached"))

	conn := dial(t, hub)
	msg := readMessage(t, conn)
	require.EqualValues(t, 2, msg.Sequence)
	require.Equal(t, "cached", msg.Results[0].Text)
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub := NewResultsHub(logs.NewTestingLog(t), 640, 480)
	conn := dial(t, hub)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientQueueKeepsNewest(t *testing.T) {
	c := &client{send: make(chan []byte, 2), done: make(chan struct{})}
	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))
	c.enqueue([]byte("3"))
	require.Equal(t, "2", string(<-c.send))
	require.Equal(t, "3", string(<-c.send))
}

func TestHubUpdateDoesNotWaitForClients(t *testing.T) {
	hub := NewResultsHub(logs.NewTestingLog(t), 640, 480)
	conn := dial(t, hub) // never read from until the end

	big := strings.Repeat("x", 64*1024)
	start := time.Now()
	for seq := uint64(1); seq <= 200; seq++ {
		hub.UpdateResults(seq, snapshot(seq, big))
	}
	require.Less(t, time.Since(start), 2*time.Second)
	require.EqualValues(t, 200, hub.CurrentSequence())

	// Whatever was skipped, the newest snapshot is among the queued messages
	var last uint64
	for last != 200 {
		last = readMessage(t, conn).Sequence
	}
}
