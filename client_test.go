package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxbridge/realtime/shared"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func recvEvent(t *testing.T, events <-chan *ServerEvent) *ServerEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitClosed(t *testing.T, events <-chan *ServerEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for event channel to close")
		}
	}
}

func TestClientConnectSendReceive(t *testing.T) {
	received := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, betaHeader, r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "gpt-4o-realtime-preview", r.URL.Query().Get("model"))

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		ctx := r.Context()
		err = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"event_id":"event_1","type":"session.created","session":{"id":"sess_1"}}`))
		require.NoError(t, err)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, ClientStateConnected, client.State())

	events, err := client.Events()
	require.NoError(t, err)
	event := recvEvent(t, events)
	assert.Equal(t, ServerEventTypeSessionCreated, event.Type)

	// Sends arrive at the server in production order.
	for _, audio := range []string{"AAA=", "AAE=", "AAI="} {
		require.NoError(t, client.Send(&ClientEvent{
			Type:  ClientEventTypeInputAudioBufferAppend,
			Param: &ClientEventParamInputAudioBufferAppend{Audio: audio},
		}))
	}
	for _, audio := range []string{"AAA=", "AAE=", "AAI="} {
		select {
		case data := <-received:
			assert.Contains(t, data, `"audio":"`+audio+`"`)
			assert.Contains(t, data, `"type":"input_audio_buffer.append"`)
			assert.Contains(t, data, `"event_id"`)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for server to receive event")
		}
	}

	require.NoError(t, client.Close())
	assert.Equal(t, ClientStateClosed, client.State())
	assert.NoError(t, client.Close())
	waitClosed(t, events)
}

func TestClientEventsSingleConsumer(t *testing.T) {
	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "ws://127.0.0.1:1")
	require.NoError(t, err)
	_, err = client.Events()
	require.NoError(t, err)
	_, err = client.Events()
	assert.ErrorIs(t, err, shared.ErrReceiverAlreadyTaken)
}

func TestClientSendBeforeConnect(t *testing.T) {
	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "ws://127.0.0.1:1")
	require.NoError(t, err)
	err = client.Send(&ClientEvent{
		Type:  ClientEventTypeInputAudioBufferCommit,
		Param: new(EmptyParam),
	})
	assert.Error(t, err)
}

func TestClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil, "sk-test", "")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(context.Background(), shared.NewNopLogger(), "", "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestClientReconnectExhaustionFails(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "no more connections", http.StatusInternalServerError)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		err = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"event_id":"event_1","type":"session.created","session":{"id":"sess_1"}}`))
		require.NoError(t, err)
		// Drop the transport out from under the client.
		_ = conn.CloseNow()
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)
	require.NoError(t, client.SetReconnectPolicy(ReconnectPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}))
	require.NoError(t, client.Connect(context.Background()))
	events, err := client.Events()
	require.NoError(t, err)

	event := recvEvent(t, events)
	assert.Equal(t, ServerEventTypeSessionCreated, event.Type)

	// The drop is observed in-order as a synthetic event, then the
	// reconnect attempts burn out and the sequence ends.
	event = recvEvent(t, events)
	assert.Equal(t, ServerEventTypeDisconnected, event.Type)
	waitClosed(t, events)
	assert.Equal(t, ClientStateFailed, client.State())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client context not cancelled after failure")
	}
	// No further dials once Failed.
	dialed := conns.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dialed, conns.Load())
}

func TestClientReconnectResumes(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		if n == 1 {
			err = conn.Write(r.Context(), websocket.MessageText,
				[]byte(`{"event_id":"event_1","type":"session.created","session":{"id":"sess_1"}}`))
			require.NoError(t, err)
			_ = conn.CloseNow()
			return
		}
		err = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"event_id":"event_2","type":"session.created","session":{"id":"sess_2"}}`))
		require.NoError(t, err)
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)
	require.NoError(t, client.SetReconnectPolicy(ReconnectPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}))
	require.NoError(t, client.Connect(context.Background()))
	events, err := client.Events()
	require.NoError(t, err)

	first := recvEvent(t, events)
	assert.Equal(t, ServerEventTypeSessionCreated, first.Type)
	drop := recvEvent(t, events)
	assert.Equal(t, ServerEventTypeDisconnected, drop.Type)

	// A fresh session.created arrives on the new connection.
	second := recvEvent(t, events)
	assert.Equal(t, ServerEventTypeSessionCreated, second.Type)
	param := second.Param.(*ServerEventParamSessionCreated)
	assert.Equal(t, "sess_2", param.SessionId())
	assert.Equal(t, ClientStateConnected, client.State())

	require.NoError(t, client.Close())
	waitClosed(t, events)
}

func TestClientSetModelAfterConnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		<-r.Context().Done()
		_ = conn.CloseNow()
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)
	require.NoError(t, client.SetModel("gpt-realtime"))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.ErrorIs(t, client.SetModel("other"), shared.ErrSessionAlreadyRunning)
	assert.ErrorIs(t, client.SetReconnectPolicy(ReconnectPolicy{}), shared.ErrSessionAlreadyRunning)
	assert.ErrorIs(t, client.Connect(context.Background()), shared.ErrSessionAlreadyRunning)
}

func TestMintClientSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/realtime/client_secrets", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"ek_abc123","expires_at":1756600000}`))
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "")
	require.NoError(t, err)
	secret, err := client.MintClientSecret(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "ek_abc123", secret)
}

func TestMintClientSecretNestedValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_nested","expires_at":1756600000}}`))
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "")
	require.NoError(t, err)
	secret, err := client.MintClientSecret(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "ek_nested", secret)
}

func TestMintClientSecretErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "")
	require.NoError(t, err)
	_, err = client.MintClientSecret(server.URL)
	assert.Error(t, err)
}
