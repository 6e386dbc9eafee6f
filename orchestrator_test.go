package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxbridge/realtime/shared"
	"github.com/voxbridge/realtime/tools"
)

type scriptedInput struct {
	onData func([]int16)
}

func (f *scriptedInput) Start(onData func([]int16)) error {
	f.onData = onData
	return nil
}

func (f *scriptedInput) Stop() error { return nil }

type fakePlaybackDevice struct{}

func (fakePlaybackDevice) Play(io.Reader) error { return nil }

func (fakePlaybackDevice) Stop() error { return nil }

// testConfig keeps every pipeline format at the wire format so the
// exchange is byte-exact end to end.
func testConfig() *SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Audio.CaptureRate = 24000
	cfg.Audio.PlaybackRate = 24000
	return cfg
}

// scriptedServer walks one full voice exchange: session.created, wait
// for the client's session.update and audio, then a server-VAD turn
// with one response.
func scriptedServer(t *testing.T, sawAppend, sawCommit chan<- string) http.HandlerFunc {
	send := func(conn *websocket.Conn, ctx context.Context, payload string) {
		if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
			t.Logf("server write failed: %v", err)
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		ctx := r.Context()
		send(conn, ctx, `{"event_id":"event_1","type":"session.created","session":{"id":"sess_1"}}`)

		gotUpdate, gotAppend, gotCommit := false, false, false
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			require.NoError(t, sonic.Unmarshal(data, &m))
			switch m["type"] {
			case "session.update":
				gotUpdate = true
			case "input_audio_buffer.append":
				if gotUpdate && !gotAppend {
					gotAppend = true
					sawAppend <- m["audio"].(string)
					send(conn, ctx, `{"event_id":"event_2","type":"input_audio_buffer.speech_started","audio_start_ms":0,"item_id":"item_1"}`)
					send(conn, ctx, `{"event_id":"event_3","type":"input_audio_buffer.speech_stopped","audio_end_ms":500,"item_id":"item_1"}`)
				}
			case "input_audio_buffer.commit":
				if !gotCommit {
					gotCommit = true
					sawCommit <- m["event_id"].(string)
					send(conn, ctx, `{"event_id":"event_4","type":"input_audio_buffer.committed","item_id":"item_1"}`)
					send(conn, ctx, `{"event_id":"event_5","type":"response.created","response":{"id":"resp_1"}}`)
					send(conn, ctx, `{"event_id":"event_6","type":"response.audio.delta","response_id":"resp_1","item_id":"item_2","output_index":0,"content_index":0,"delta":"`+tools.EncodePCM16([]int16{1, 2, 3, 4})+`"}`)
					send(conn, ctx, `{"event_id":"event_7","type":"response.done","response":{"id":"resp_1","status":"completed"}}`)
				}
			}
		}
	}
}

func TestOrchestratorFullExchange(t *testing.T) {
	sawAppend := make(chan string, 1)
	sawCommit := make(chan string, 1)
	server := httptest.NewServer(scriptedServer(t, sawAppend, sawCommit))
	defer server.Close()

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)

	input := &scriptedInput{}
	orchestrator, err := NewOrchestrator(
		shared.NewNopLogger(), testConfig(), client,
		WithInputDevice(input),
		WithOutputDevice(&fakePlaybackDevice{}),
	)
	require.NoError(t, err)
	stream := orchestrator.Subscribe()
	displayTypes := make(map[string]bool)
	displayDone := make(chan struct{})
	go func() {
		defer close(displayDone)
		for de := range stream {
			displayTypes[de.Source.String()+"/"+string(de.Event.EventType())] = true
		}
	}()

	require.NoError(t, orchestrator.Start(context.Background()))
	defer orchestrator.Stop()

	// Feed 20ms microphone frames until the server has one. The first
	// append can arrive before the server has seen the session.update.
	require.NotNil(t, input.onData)
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(i)
	}
	feedStop := make(chan struct{})
	defer close(feedStop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-feedStop:
				return
			case <-ticker.C:
				input.onData(samples)
			}
		}
	}()

	select {
	case audio := <-sawAppend:
		decoded, err := tools.DecodePCM16(audio)
		require.NoError(t, err)
		assert.Equal(t, samples, decoded)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received audio")
	}
	select {
	case eventId := <-sawCommit:
		assert.NotEmpty(t, eventId)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received commit")
	}

	// The response lands in the downlink ring and the turn settles.
	require.Eventually(t, func() bool {
		snap := orchestrator.Snapshot()
		return snap.Turn == TurnIdle && snap.DownlinkFrames == 1 && snap.SessionId == "sess_1"
	}, 5*time.Second, 10*time.Millisecond)

	snap := orchestrator.Snapshot()
	assert.Equal(t, ClientStateConnected, snap.Client)
	assert.Equal(t, "", snap.ActiveResponseId)
	assert.Equal(t, uint64(0), snap.DiscardedEvents)

	orchestrator.Stop()
	select {
	case <-orchestrator.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	assert.NoError(t, orchestrator.Err())

	<-displayDone
	assert.True(t, displayTypes["server/session.created"])
	assert.True(t, displayTypes["client/session.update"])
	assert.True(t, displayTypes["client/input_audio_buffer.append"])
	assert.True(t, displayTypes["client/input_audio_buffer.commit"])
	assert.True(t, displayTypes["server/response.audio.delta"])
}

func TestOrchestratorValidation(t *testing.T) {
	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", "ws://127.0.0.1:1")
	require.NoError(t, err)

	_, err = NewOrchestrator(nil, testConfig(), client)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewOrchestrator(shared.NewNopLogger(), nil, client)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
	_, err = NewOrchestrator(shared.NewNopLogger(), testConfig(), nil)
	assert.ErrorIs(t, err, shared.ErrClientNotInitialized)

	bad := testConfig()
	bad.VADMode = VADModePushToTalk
	_, err = NewOrchestrator(shared.NewNopLogger(), bad, client)
	assert.Error(t, err)
}

func TestOrchestratorSessionFailureSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		err = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"event_id":"event_1","type":"session.created","session":{"id":"sess_1"}}`))
		require.NoError(t, err)
		_ = conn.CloseNow()
	}))

	client, err := NewClient(context.Background(), shared.NewNopLogger(), "sk-test", wsURL(server))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Reconnect.MaxAttempts = 1
	cfg.Reconnect.InitialBackoffMs = 1
	cfg.Reconnect.MaxBackoffMs = 2

	orchestrator, err := NewOrchestrator(
		shared.NewNopLogger(), cfg, client,
		WithInputDevice(&scriptedInput{}),
		WithOutputDevice(&fakePlaybackDevice{}),
	)
	require.NoError(t, err)
	require.NoError(t, orchestrator.Start(context.Background()))

	// Kill the server so every reconnect attempt fails.
	server.Close()

	select {
	case <-orchestrator.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not terminate after transport failure")
	}
	assert.ErrorIs(t, orchestrator.Err(), shared.ErrSessionFailed)
	assert.Equal(t, ClientStateFailed, orchestrator.Snapshot().Client)
}
