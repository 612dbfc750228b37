package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haasonsaas/commune/internal/config"
	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/internal/storage"
	"github.com/haasonsaas/commune/pkg/models"
)

const testTimeout = 2 * time.Second

type testEnv struct {
	server   *Server
	http     *httptest.Server
	stores   storage.StoreSet
	channel  *models.Channel
	metrics  *observability.Metrics
	registry *prometheus.Registry
}

// newTestEnv serves a gateway backed by memory stores seeded with one
// community, its "general" channel, and the users alice and bob.
func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	if err := stores.Communities.Create(ctx, &models.Community{ID: "community-1", Name: "Commune", IsPublic: true}); err != nil {
		t.Fatalf("create community: %v", err)
	}
	channel := &models.Channel{CommunityID: "community-1", Name: "general"}
	if err := stores.Channels.Create(ctx, channel); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	for _, u := range []*models.User{
		{ID: "alice", Name: "Alice", Username: "alice"},
		{ID: "bob", Name: "Bob", Username: "bob"},
	} {
		if _, err := stores.Users.Upsert(ctx, u); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Server.PongWait = 5 * time.Second
	cfg.Server.PingInterval = 4 * time.Second
	cfg.Server.WriteWait = time.Second

	registry := prometheus.NewRegistry()
	opts := Options{
		Config:   cfg,
		Stores:   stores,
		Metrics:  observability.NewMetrics(registry),
		Gatherer: registry,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	server, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		for _, session := range server.openSessions() {
			session.Close() //nolint:errcheck
		}
		ts.Close()
	})

	return &testEnv{
		server:   server,
		http:     ts,
		stores:   stores,
		channel:  channel,
		metrics:  opts.Metrics,
		registry: registry,
	}
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial opens a websocket. The returned response is set even on failure.
func (e *testEnv) dial(t *testing.T, query string, header http.Header, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: testTimeout,
	}
	conn, resp, err := dialer.Dial(e.wsURL(query), header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (e *testEnv) mustDial(t *testing.T, subprotocols ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, "", nil, subprotocols...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// wireEvent is a server event as a client sees it.
type wireEvent struct {
	Op string         `json:"op" msgpack:"op"`
	D  map[string]any `json:"d" msgpack:"d"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event wireEvent
	if msgType == websocket.BinaryMessage {
		err = msgpack.Unmarshal(data, &event)
	} else {
		err = json.Unmarshal(data, &event)
	}
	if err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return event
}

// expectEvent reads events until one with op arrives.
func expectEvent(t *testing.T, conn *websocket.Conn, op string) wireEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		event := readEvent(t, conn)
		if event.Op == op {
			return event
		}
	}
	t.Fatalf("no %s event received", op)
	return wireEvent{}
}

func sendOp(t *testing.T, conn *websocket.Conn, op, channelID, userID string) {
	t.Helper()
	frame := map[string]any{
		"op": op,
		"d":  map[string]any{"channelId": channelID, "userId": userID, "username": userID},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", op, err)
	}
}

// join sends joinChannel and waits for the joiner's own userJoined event.
func join(t *testing.T, conn *websocket.Conn, channelID, userID string) {
	t.Helper()
	sendOp(t, conn, "joinChannel", channelID, userID)
	event := expectEvent(t, conn, "userJoined")
	user, _ := event.D["user"].(map[string]any)
	if user["userId"] != userID {
		t.Fatalf("userJoined = %v, want user %s", event.D, userID)
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
	}
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
	return out
}

// eventually polls cond until it holds or the test timeout passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newDiscardLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}
