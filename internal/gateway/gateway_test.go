package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/protocol"
	"github.com/hearthside-labs/hearth-core/internal/respond"
	"github.com/hearthside-labs/hearth-core/internal/sched"
	"github.com/hearthside-labs/hearth-core/internal/session"
	"github.com/hearthside-labs/hearth-core/internal/stt"
	"github.com/hearthside-labs/hearth-core/internal/tts"
	"github.com/hearthside-labs/hearth-core/internal/turn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) (*Gateway, *session.Registry, *httptest.Server) {
	return newTestGatewayTuned(t, 4, 4, nil)
}

func newTestGatewayTuned(t *testing.T, capacity, queue int, tune func(*config.Config)) (*Gateway, *session.Registry, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Listen.SilenceTimeoutMS = 60000
	cfg.Listen.MaxUtteranceMS = 60000
	cfg.TTS.ChunkDurationMS = 40
	if tune != nil {
		tune(&cfg)
	}

	transcriber, err := stt.New(cfg.STT)
	if err != nil {
		t.Fatalf("build transcriber: %v", err)
	}
	responder, err := respond.New(cfg.Responder)
	if err != nil {
		t.Fatalf("build responder: %v", err)
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		t.Fatalf("build synthesizer: %v", err)
	}

	log := testLogger()
	registry := session.NewRegistry(log)
	orch := turn.NewOrchestrator(cfg, sched.New(capacity, queue, log), transcriber, responder, synth, nil, nil, log)
	gw := New(cfg.Gateway, registry, orch, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.Gateway.Path, gw.Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Close()
		server.Close()
	})
	return gw, registry, server
}

func dial(t *testing.T, server *httptest.Server, deviceID string) (*websocket.Conn, protocol.HandshakeAck) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/satellite"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	hs := protocol.Handshake{DeviceID: deviceID, SampleRate: 16000, Channels: 1, FrameMS: 20}
	if err := ws.WriteJSON(hs); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	var ack protocol.HandshakeAck
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.SessionID == "" || ack.StreamID == "" {
		t.Fatalf("incomplete ack: %+v", ack)
	}
	return ws, ack
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", env.Type, err)
	}
}

// awaitTurnState reads envelopes until the wanted turn_state arrives,
// returning everything read up to and including it. Satellites stream audio
// only after the listening announcement, so tests do the same.
func awaitTurnState(t *testing.T, ws *websocket.Conn, state string) []protocol.Envelope {
	t.Helper()
	var got []protocol.Envelope
	deadline := time.Now().Add(10 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s state after %d messages: %v", state, len(got), err)
		}
		got = append(got, env)
		if env.Type == protocol.TypeTurnState && env.State == state {
			return got
		}
	}
}

// collectUntilIdle reads envelopes until a turn_state idle arrives.
func collectUntilIdle(t *testing.T, ws *websocket.Conn) []protocol.Envelope {
	t.Helper()
	var got []protocol.Envelope
	deadline := time.Now().Add(10 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("read envelope after %d messages: %v", len(got), err)
		}
		got = append(got, env)
		if env.Type == protocol.TypeTurnState && env.State == string(session.StateIdle) {
			return got
		}
	}
}

func TestFullTurnOverWebSocket(t *testing.T) {
	_, registry, server := newTestGateway(t)
	ws, ack := dial(t, server, "kitchen")

	sendEnvelope(t, ws, protocol.Envelope{Type: protocol.TypeWake})
	got := awaitTurnState(t, ws, "listening")
	pcm := make([]byte, 640)
	for i := 0; i < 3; i++ {
		sendEnvelope(t, ws, protocol.Envelope{
			Type: protocol.TypeAudio, StreamID: ack.StreamID, Seq: uint64(i), PCM: pcm,
		})
	}
	sendEnvelope(t, ws, protocol.Envelope{Type: protocol.TypeEndUtterance})

	got = append(got, collectUntilIdle(t, ws)...)

	var audioOut, errFrames int
	var states []string
	for _, env := range got {
		switch env.Type {
		case protocol.TypeAudioOut:
			audioOut++
		case protocol.TypeError:
			errFrames++
		case protocol.TypeTurnState:
			states = append(states, env.State)
		}
	}
	if audioOut == 0 {
		t.Fatal("no synthesized audio reached the satellite")
	}
	if errFrames != 0 {
		t.Fatalf("unexpected error frames: %d", errFrames)
	}
	wantStates := []string{"listening", "transcribing", "responding", "speaking", "idle"}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i, want := range wantStates {
		if states[i] != want {
			t.Fatalf("state %d = %s, want %s", i, states[i], want)
		}
	}

	sess, ok := registry.Lookup("kitchen")
	if !ok {
		t.Fatal("session missing after turn")
	}
	if sess.State() != session.StateIdle {
		t.Fatalf("session state = %s, want idle", sess.State())
	}
}

func TestMalformedHandshakeResetsConnection(t *testing.T) {
	_, registry, server := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/satellite"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"sample_rate": 16000}`)); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if env.Type != protocol.TypeError || env.Code != "protocol" {
		t.Fatalf("expected protocol error frame, got %+v", env)
	}
	// The connection is closed and no session was created.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection still open after protocol violation")
	}
	if registry.Len() != 0 {
		t.Fatalf("sessions created = %d, want 0", registry.Len())
	}
}

func TestDisconnectDestroysSession(t *testing.T) {
	_, registry, server := newTestGateway(t)
	ws, _ := dial(t, server, "porch")

	if registry.Len() != 1 {
		t.Fatalf("sessions after connect = %d, want 1", registry.Len())
	}
	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not destroyed on disconnect, registry len %d", registry.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectIssuesFreshStream(t *testing.T) {
	_, registry, server := newTestGateway(t)
	_, ack1 := dial(t, server, "den")
	_, ack2 := dial(t, server, "den")

	if ack1.SessionID != ack2.SessionID {
		t.Fatalf("reconnect created a new session: %s vs %s", ack1.SessionID, ack2.SessionID)
	}
	if ack1.StreamID == ack2.StreamID {
		t.Fatal("reconnect reused the stream id")
	}
	if registry.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", registry.Len())
	}

	sess, _ := registry.Lookup("den")
	if sess.StreamID() != ack2.StreamID {
		t.Fatalf("live stream id = %s, want %s", sess.StreamID(), ack2.StreamID)
	}
}

// readEnvelopes pumps a client socket into a channel. Keeping a read call
// active means gorilla's default ping handler answers the server's pings
// while the test waits, so the client holds up its end of the keepalive.
func readEnvelopes(ws *websocket.Conn) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope, 64)
	go func() {
		defer close(out)
		for {
			ws.SetReadDeadline(time.Now().Add(10 * time.Second))
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			out <- env
		}
	}()
	return out
}

// awaitStateFrom consumes envelopes from a readEnvelopes channel until the
// wanted turn_state arrives.
func awaitStateFrom(t *testing.T, envs <-chan protocol.Envelope, state string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	var count int
	for {
		select {
		case env, ok := <-envs:
			if !ok {
				t.Fatalf("connection closed while waiting for %s state after %d messages", state, count)
			}
			count++
			if env.Type == protocol.TypeTurnState && env.State == state {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s state after %d messages", state, count)
		}
	}
}

func TestQueuedWakeKeepsConnectionAlive(t *testing.T) {
	_, _, server := newTestGatewayTuned(t, 1, 1, func(cfg *config.Config) {
		cfg.Gateway.PongTimeoutMS = 500
	})

	wsA, _ := dial(t, server, "kitchen")
	sendEnvelope(t, wsA, protocol.Envelope{Type: protocol.TypeWake})
	awaitTurnState(t, wsA, "listening")

	// The second device's wake has to queue behind the only slot. The read
	// loop must keep servicing pongs while it waits, or the connection dies
	// once the wait outlives the pong deadline. Each client keeps a reader
	// running so its own pong replies keep flowing during the wait.
	wsB, _ := dial(t, server, "den")
	sendEnvelope(t, wsB, protocol.Envelope{Type: protocol.TypeWake})

	_ = readEnvelopes(wsA)
	envsB := readEnvelopes(wsB)

	time.Sleep(1500 * time.Millisecond)
	sendEnvelope(t, wsA, protocol.Envelope{Type: protocol.TypeCancel})

	awaitStateFrom(t, envsB, "listening")
	sendEnvelope(t, wsB, protocol.Envelope{Type: protocol.TypeEndUtterance})
	awaitStateFrom(t, envsB, string(session.StateIdle))
}

func TestIdleEvictionClosesConnection(t *testing.T) {
	gw, registry, server := newTestGateway(t)
	ws, _ := dial(t, server, "porch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.StartEviction(ctx, 20*time.Millisecond, 10*time.Millisecond, func(s *session.Session) {
		gw.CloseDevice(s.DeviceID)
	})

	// The evicted session's connection must be closed, not left serving a
	// session the registry no longer knows about.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection still open after eviction")
	}
	if registry.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", registry.Len())
	}
	deadline := time.Now().Add(5 * time.Second)
	for gw.ConnCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("gateway still tracks %d connections", gw.ConnCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutOfOrderFrameResetsConnection(t *testing.T) {
	_, _, server := newTestGateway(t)
	ws, ack := dial(t, server, "hall")

	sendEnvelope(t, ws, protocol.Envelope{Type: protocol.TypeWake})
	awaitTurnState(t, ws, "listening")
	pcm := make([]byte, 640)
	sendEnvelope(t, ws, protocol.Envelope{Type: protocol.TypeAudio, StreamID: ack.StreamID, Seq: 0, PCM: pcm})
	sendEnvelope(t, ws, protocol.Envelope{Type: protocol.TypeAudio, StreamID: ack.StreamID, Seq: 5, PCM: pcm})

	deadline := time.Now().Add(5 * time.Second)
	sawProtocolError := false
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			// Connection reset after the protocol error frame.
			if !sawProtocolError {
				t.Fatalf("connection closed without protocol error frame: %v", err)
			}
			return
		}
		if env.Type == protocol.TypeError && env.Code == "protocol" {
			sawProtocolError = true
		}
	}
	t.Fatal("connection never reset after out-of-order frame")
}
