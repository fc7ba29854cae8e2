package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noteable-io/origami-go/rtu"
)

// testServer accepts websocket upgrades and exposes each accepted connection.
type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	var upgrader = websocket.Upgrader{}
	var ts = &testServer{conns: make(chan *websocket.Conn, 4)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var conn, err = upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) rtu.Message {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var _, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var msg, perr = rtu.Parse(data)
	require.NoError(t, perr)
	return msg
}

func TestManagerStartBlocksUntilConnected(t *testing.T) {
	var ts = newTestServer(t)
	var connected = make(chan bool, 1)

	var m = NewManager(Config{
		URL:       ts.wsURL(),
		OnConnect: func(reconnect bool) { connected <- reconnect },
	}, NewRouter())

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.False(t, <-connected)
	ts.accept(t)
}

func TestManagerStartFailsOn4xx(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	var m = NewManager(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectLimit: 3,
	}, NewRouter())

	var err = m.Start(context.Background())
	require.Error(t, err)
	// A 4xx handshake fails immediately rather than exhausting retries.
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestManagerHoldsQueueUntilReleased(t *testing.T) {
	var ts = newTestServer(t)
	var m = NewManager(Config{URL: ts.wsURL()}, NewRouter())

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	var conn = ts.accept(t)

	require.NoError(t, m.Send(rtu.NewRequest("system", "ping_request", nil)))
	require.NoError(t, m.Send(rtu.NewRequest("system", "whoami_request", nil)))

	// Nothing is written while the gate is closed.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 2, m.QueueLen())

	m.ReleaseSends()
	require.Equal(t, "ping_request", readFrame(t, conn).Event)
	require.Equal(t, "whoami_request", readFrame(t, conn).Event)
}

func TestManagerSendNowBypassesGate(t *testing.T) {
	var ts = newTestServer(t)
	var m = NewManager(Config{URL: ts.wsURL()}, NewRouter())

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	var conn = ts.accept(t)

	require.NoError(t, m.SendNow(rtu.NewRequest("system", "authenticate_request", nil)))
	require.Equal(t, "authenticate_request", readFrame(t, conn).Event)
}

func TestManagerDispatchesInboundFrames(t *testing.T) {
	var ts = newTestServer(t)
	var router = NewRouter()
	var got = make(chan rtu.Message, 1)
	router.Register(Registration{
		Predicate: func(msg rtu.Message) bool { return msg.Event == "ping_response" },
		Handler: func(msg rtu.Message) (HandlerResult, error) {
			got <- msg
			return Handled, nil
		},
	})

	var m = NewManager(Config{URL: ts.wsURL()}, router)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	var conn = ts.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"transaction_id":"11111111-1111-1111-1111-111111111111","channel":"system","event":"ping_response"}`)))

	select {
	case msg := <-got:
		require.Equal(t, "system", msg.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestManagerReconnectsAndKeepsQueue(t *testing.T) {
	var ts = newTestServer(t)
	var connects = make(chan bool, 4)
	var m = NewManager(Config{
		URL:            ts.wsURL(),
		ReconnectDelay: 10 * time.Millisecond,
		OnConnect:      func(reconnect bool) { connects <- reconnect },
	}, NewRouter())

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.False(t, <-connects)
	var first = ts.accept(t)

	require.NoError(t, m.Send(rtu.NewRequest("system", "ping_request", nil)))
	first.Close()

	require.True(t, <-connects)
	var second = ts.accept(t)

	// The message queued before the drop is delivered on the new connection
	// once sends are released again.
	m.ReleaseSends()
	require.Equal(t, "ping_request", readFrame(t, second).Event)
}

func TestManagerCleanShutdownOnCancel(t *testing.T) {
	var ts = newTestServer(t)
	var m = NewManager(Config{URL: ts.wsURL()}, NewRouter())

	var ctx, cancel = context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	ts.accept(t)

	cancel()
	select {
	case err := <-m.Terminated():
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not terminate")
	}
	require.ErrorIs(t, m.Send(rtu.Message{}), ErrTerminated)
}
