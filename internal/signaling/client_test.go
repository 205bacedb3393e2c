package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// wsTestServer upgrades incoming connections and hands them to handle
func wsTestServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SendReachesServer(t *testing.T) {
	received := make(chan Message, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		received <- msg
	})

	client := NewClient(ClientConfig{URL: wsURL(srv), ConnectTimeout: time.Second})
	client.OnMessage(func(Message) {})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	msg, err := NewMessage(TypeCallEnd, "call-1", "alice", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(msg))

	got := <-received
	assert.Equal(t, TypeCallEnd, got.Type)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, "alice", got.FromUserID)
}

func TestClient_DispatchesInboundInOrder(t *testing.T) {
	const count = 20
	srv := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		for i := 0; i < count; i++ {
			msg, err := NewMessage(TypeICECandidate, "call-1", "bob", "alice",
				CandidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: candidateAt(i)}})
			require.NoError(t, err)
			require.NoError(t, conn.WriteJSON(msg))
		}
		// Hold the connection open until the client is done
		conn.ReadMessage()
	})

	got := make(chan Message, count)
	client := NewClient(ClientConfig{URL: wsURL(srv), ConnectTimeout: time.Second})
	client.OnMessage(func(msg Message) { got <- msg })
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	for i := 0; i < count; i++ {
		select {
		case msg := <-got:
			var payload CandidatePayload
			require.NoError(t, msg.Decode(&payload))
			assert.Equal(t, candidateAt(i), payload.Candidate.Candidate, "arrival order must be preserved")
		case <-time.After(3 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestClient_AttachesBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	})

	client := NewClient(ClientConfig{URL: wsURL(srv), Token: "session-token", ConnectTimeout: time.Second})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	assert.Equal(t, "Bearer session-token", <-auth)
}

func TestClient_ServerClosureFiresDisconnect(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
	})

	disconnected := make(chan string, 1)
	client := NewClient(ClientConfig{URL: wsURL(srv), ConnectTimeout: time.Second})
	client.OnDisconnect(func(reason string) { disconnected <- reason })
	require.NoError(t, client.Connect(context.Background()))

	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "1001")
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect handler never fired")
	}
}

func TestClient_LocalCloseDoesNotFireDisconnect(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
	})

	disconnected := make(chan string, 1)
	client := NewClient(ClientConfig{URL: wsURL(srv), ConnectTimeout: time.Second})
	client.OnDisconnect(func(reason string) { disconnected <- reason })
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())

	select {
	case reason := <-disconnected:
		t.Fatalf("disconnect handler fired on local close: %s", reason)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_SendBeforeConnectFails(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:1/ws"})
	msg, err := NewMessage(TypeCallEnd, "call-1", "alice", "bob", nil)
	require.NoError(t, err)

	assert.Error(t, client.Send(msg))
}

func candidateAt(i int) string {
	return "candidate:" + string(rune('a'+i%26)) + " 1 udp 1 127.0.0.1 50000 typ host"
}
