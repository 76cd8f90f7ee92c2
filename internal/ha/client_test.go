package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer starts an httptest server whose single connection is
// driven by handler, mirroring the real Home Assistant WebSocket
// endpoint shape closely enough to exercise Client end to end.
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("failed to upgrade connection: %v", err)
		}
		defer conn.Close()
		handler(conn)
	}))
}

// standardAuthFlow drives the auth_required/auth/auth_ok handshake.
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	require.NoError(t, conn.WriteJSON(Message{Type: typeAuthRequired}))

	var auth authMessage
	require.NoError(t, conn.ReadJSON(&auth))
	assert.Equal(t, "auth", auth.Type)
	assert.Equal(t, token, auth.AccessToken)

	require.NoError(t, conn.WriteJSON(Message{Type: typeAuthOK}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// newTestClient builds a Client with a short MaxCloseWait so tests don't
// pay the production 5s default while waiting for a close frame the test
// servers below don't always send.
func newTestClient(url, token string, logger *zap.Logger, opts ...ClientOption) *Client {
	cfg := DefaultConfig()
	cfg.MaxCloseWait = 300 * time.Millisecond
	allOpts := append([]ClientOption{WithConfig(cfg)}, opts...)
	return NewClient(url, token, logger, allOpts...)
}

func readCommand(t *testing.T, conn *websocket.Conn) (int, string, json.RawMessage) {
	t.Helper()
	var raw json.RawMessage
	require.NoError(t, conn.ReadJSON(&raw))
	var base struct {
		ID   int    `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &base))
	return base.ID, base.Type, raw
}

func writeSuccess(t *testing.T, conn *websocket.Conn, id int, result any) {
	t.Helper()
	success := true
	var resultJSON json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		require.NoError(t, err)
		resultJSON = b
	}
	require.NoError(t, conn.WriteJSON(Message{ID: id, Type: typeResult, Success: &success, Result: resultJSON}))
}

func TestClient_ConnectSuccess(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	assert.NoError(t, client.Close(closeCtx))
}

func TestClient_ConnectAuthInvalid(t *testing.T) {
	logger := zap.NewNop()

	server := mockHAServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(Message{Type: typeAuthRequired}))
		var auth authMessage
		require.NoError(t, conn.ReadJSON(&auth))
		require.NoError(t, conn.WriteJSON(Message{Type: typeAuthInvalid}))
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), "wrong_token", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ConnectInvalidArgument(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewClient("", "token", logger).Connect(ctx, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewClient("ws://localhost/api/websocket", "", logger).Connect(ctx, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// TestClient_SubscribeFailureFailsConnect pins the connect-time decision
// for subscribe_events returning success=false: Connect surfaces an error
// rather than leaving a half-subscribed session behind.
func TestClient_SubscribeFailureFailsConnect(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, _ := readCommand(t, conn)
		require.Equal(t, cmdSubscribeEvents, cmdType)

		success := false
		require.NoError(t, conn.WriteJSON(Message{ID: id, Type: typeResult, Success: &success}))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{SubscribeEvents: true})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestClient_ConnectAlreadyConnected(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = client.Connect(ctx, Options{})
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	client.Close(closeCtx)
}

func TestClient_GetStatesOnConnect(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, _ := readCommand(t, conn)
		require.Equal(t, cmdGetStates, cmdType)

		states := []*HassState{
			{EntityID: "sensor.a", State: "1"},
			{EntityID: "sensor.b", State: "2"},
		}
		writeSuccess(t, conn, id, states)

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{GetStatesOnConnect: true})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	st, found := client.GetState("sensor.a")
	require.True(t, found)
	assert.Equal(t, "1", st.State)

	_, found = client.GetState("sensor.missing")
	assert.False(t, found)
}

// TestClient_GetStatesOnConnect_LargePayload exercises the bulk state
// load against a realistic multi-kilobyte get_states reply: 19 entities with
// full attributes, context, and timestamps, comfortably larger than the
// default 4096-byte receive buffer. This pins the transport's
// frame-reassembly across multiple Receive segments instead of the
// minimal two-entity reply that never approaches the buffer boundary.
func TestClient_GetStatesOnConnect_LargePayload(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	const entityCount = 19
	makeStates := func() []*HassState {
		now := time.Now().UTC()
		states := make([]*HassState, entityCount)
		for i := 0; i < entityCount; i++ {
			states[i] = &HassState{
				EntityID: fmt.Sprintf("sensor.living_room_multi_probe_%02d", i),
				State:    "21.5",
				Attributes: map[string]any{
					"unit_of_measurement": "°C",
					"friendly_name":       fmt.Sprintf("Living Room Multi Probe %02d Temperature", i),
					"device_class":        "temperature",
					"state_class":         "measurement",
					"icon":                "mdi:thermometer",
					"supported_features":  0,
					"battery_level":       87,
					"source_sensors": []string{
						fmt.Sprintf("sensor.probe_%02d_a", i),
						fmt.Sprintf("sensor.probe_%02d_b", i),
						fmt.Sprintf("sensor.probe_%02d_c", i),
					},
				},
				LastChanged: now,
				LastUpdated: now,
				Context: &HassContext{
					ID:       fmt.Sprintf("01HZYQ%06dCONTEXT", i),
					ParentID: fmt.Sprintf("01HZYQ%06dPARENT", i),
					UserID:   "01HZYQUSERIDPLACEHOLDERXX",
				},
			}
		}
		return states
	}

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, _ := readCommand(t, conn)
		require.Equal(t, cmdGetStates, cmdType)

		states := makeStates()
		payload, err := json.Marshal(states)
		require.NoError(t, err)
		require.Greater(t, len(payload), 4096, "test fixture must exceed the default receive buffer to exercise reassembly")

		writeSuccess(t, conn, id, states)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{GetStatesOnConnect: true})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	for i := 0; i < entityCount; i++ {
		entityID := fmt.Sprintf("sensor.living_room_multi_probe_%02d", i)
		st, found := client.GetState(entityID)
		require.True(t, found, "entity %s missing from state mirror", entityID)
		assert.Equal(t, "21.5", st.State)
		assert.Equal(t, "temperature", st.Attributes["device_class"])
		require.NotNil(t, st.Context)
		assert.NotEmpty(t, st.Context.ID)
	}
}

func TestClient_CallService(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, raw := readCommand(t, conn)
		require.Equal(t, cmdCallService, cmdType)

		var req callServiceCommand
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "input_boolean", req.Domain)
		assert.Equal(t, "turn_on", req.Service)

		writeSuccess(t, conn, id, nil)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	success, err := client.CallService(callCtx, "input_boolean", "turn_on", map[string]any{
		"entity_id": "input_boolean.test",
	})
	require.NoError(t, err)
	assert.True(t, success)
}

func TestClient_Ping(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, _ := readCommand(t, conn)
		require.Equal(t, cmdPing, cmdType)
		require.NoError(t, conn.WriteJSON(Message{ID: id, Type: typePong}))

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), time.Second)
	defer pingCancel()
	assert.True(t, client.Ping(pingCtx, time.Second))
}

func TestClient_PingTimeout(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		// Never answer the ping.
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer pingCancel()
	assert.False(t, client.Ping(pingCtx, 100*time.Millisecond))
}

// TestClient_SurvivesMalformedFrames verifies the
// reader pump tolerates a run of malformed JSON frames and still
// dispatches the next well-formed message instead of terminating.
func TestClient_SurvivesMalformedFrames(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		id, cmdType, _ := readCommand(t, conn)
		require.Equal(t, cmdPing, cmdType)

		for i := 0; i < 5; i++ {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("not json at all %d", i))))
		}

		require.NoError(t, conn.WriteJSON(Message{ID: id, Type: typePong}))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	assert.True(t, client.Ping(pingCtx, 2*time.Second))
}

// TestClient_OutOfOrderReply exercises the coordinator's put-back
// discipline: the server answers a later call_service before the
// earlier ping it was sent concurrently with.
func TestClient_OutOfOrderReply(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	pingSeen := make(chan int, 1)
	serviceSeen := make(chan int, 1)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		for i := 0; i < 2; i++ {
			id, cmdType, _ := readCommand(t, conn)
			switch cmdType {
			case cmdPing:
				pingSeen <- id
			case cmdCallService:
				serviceSeen <- id
			}
		}

		serviceID := <-serviceSeen
		writeSuccess(t, conn, serviceID, nil)

		pingID := <-pingSeen
		require.NoError(t, conn.WriteJSON(Message{ID: pingID, Type: typePong}))

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	pingResult := make(chan bool, 1)
	go func() {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer pingCancel()
		pingResult <- client.Ping(pingCtx, 2*time.Second)
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	success, err := client.CallService(callCtx, "input_boolean", "turn_on", nil)
	require.NoError(t, err)
	assert.True(t, success)

	assert.True(t, <-pingResult)
}

func TestClient_CloseDuringPendingCall(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	ready := make(chan struct{})
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		close(ready)
		// Never respond to call_service; just hold the connection open
		// until the test closes the client.
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	client := newTestClient(wsURL(t, server), token, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, Options{})
	require.NoError(t, err)
	require.True(t, ok)

	<-ready

	callErr := make(chan error, 1)
	go func() {
		callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer callCancel()
		_, err := client.CallService(callCtx, "input_boolean", "turn_on", nil)
		callErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, client.Close(closeCtx))

	assert.ErrorIs(t, <-callErr, ErrCancelled)
}
