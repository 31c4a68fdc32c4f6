// Package gateway is the satellite-facing transport: one persistent
// WebSocket per device carrying tagged JSON envelopes in both directions.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthside-labs/hearth-core/internal/audio"
	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/protocol"
	"github.com/hearthside-labs/hearth-core/internal/session"
	"github.com/hearthside-labs/hearth-core/internal/turn"
)

// Gateway upgrades satellite connections and bridges them to the turn
// orchestrator. One live connection per device; a reconnect replaces the
// old connection and cancels whatever turn it had in flight.
type Gateway struct {
	cfg      config.GatewayConfig
	registry *session.Registry
	orch     *turn.Orchestrator
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

func New(cfg config.GatewayConfig, registry *session.Registry, orch *turn.Orchestrator, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		orch:     orch,
		log:      log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (g *Gateway) writeWait() time.Duration {
	return time.Duration(g.cfg.WriteTimeoutMS) * time.Millisecond
}

func (g *Gateway) pongWait() time.Duration {
	return time.Duration(g.cfg.PongTimeoutMS) * time.Millisecond
}

func (g *Gateway) pingPeriod() time.Duration {
	return g.pongWait() * 9 / 10
}

// Handler returns the HTTP handler to mount at the configured path.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.serve)
}

// ConnCount reports live satellite connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess, streamID, format, err := g.handshake(ws)
	if err != nil {
		g.log.Warn("handshake rejected", "error", err, "remote", r.RemoteAddr)
		g.writeErrorAndClose(ws, "protocol", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		gw:       g,
		ws:       ws,
		sess:     sess,
		deviceID: sess.DeviceID,
		streamID: streamID,
		format:   format,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan outMessage, g.cfg.SendBufferFrames),
		done:     make(chan struct{}),
		log:      g.log.With("device_id", sess.DeviceID, "session_id", sess.ID),
	}

	g.register(c)

	go c.writePump()
	c.readPump()
}

// handshake reads and validates the first message on a fresh connection.
// A malformed handshake is a protocol violation: the connection is closed
// without creating any session state.
func (g *Gateway) handshake(ws *websocket.Conn) (*session.Session, string, audio.Format, error) {
	ws.SetReadLimit(g.cfg.MaxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(g.writeWait())); err != nil {
		return nil, "", audio.Format{}, err
	}

	var hs protocol.Handshake
	if err := ws.ReadJSON(&hs); err != nil {
		return nil, "", audio.Format{}, errors.New("malformed handshake")
	}
	if hs.DeviceID == "" {
		return nil, "", audio.Format{}, errors.New("handshake missing device_id")
	}

	format := audio.Format{
		SampleRate:    hs.SampleRate,
		Channels:      hs.Channels,
		FrameDuration: time.Duration(hs.FrameMS) * time.Millisecond,
	}
	if format.SampleRate == 0 {
		format.SampleRate = g.cfg.DefaultSampleRate
	}
	if format.Channels == 0 {
		format.Channels = g.cfg.DefaultChannels
	}
	if format.FrameDuration == 0 {
		format.FrameDuration = time.Duration(g.cfg.FrameDurationMS) * time.Millisecond
	}
	if err := format.Validate(); err != nil {
		return nil, "", audio.Format{}, err
	}

	sess, created := g.registry.Attach(hs.DeviceID, format)
	if !created {
		// Reconnect: whatever turn the previous connection had in flight
		// is dead; the fresh stream id invalidates its frames.
		sess.CancelActive()
	}
	streamID := sess.ResetStream(format)

	ack := protocol.HandshakeAck{
		SessionID:  sess.ID,
		StreamID:   streamID,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		FrameMS:    int(format.FrameDuration / time.Millisecond),
	}
	if err := ws.SetWriteDeadline(time.Now().Add(g.writeWait())); err != nil {
		return nil, "", audio.Format{}, err
	}
	if err := ws.WriteJSON(ack); err != nil {
		return nil, "", audio.Format{}, err
	}
	return sess, streamID, format, nil
}

// register installs c as the device's live connection, closing any
// predecessor.
func (g *Gateway) register(c *conn) {
	g.mu.Lock()
	old := g.conns[c.deviceID]
	g.conns[c.deviceID] = c
	g.mu.Unlock()

	if old != nil {
		old.log.Info("connection replaced by reconnect")
		old.shutdown(false)
	}
	c.log.Info("satellite connected")
}

// unregister tears down c's session state if c is still the device's live
// connection. A replaced connection leaves the session alone.
func (g *Gateway) unregister(c *conn) bool {
	g.mu.Lock()
	current := g.conns[c.deviceID] == c
	if current {
		delete(g.conns, c.deviceID)
	}
	g.mu.Unlock()
	return current
}

// CloseDevice tears down the live connection for a device, if any. Used by
// the idle-eviction sweep: once a session is gone its connection must not
// keep running turns against it, so the satellite is forced to re-handshake.
func (g *Gateway) CloseDevice(deviceID string) {
	g.mu.Lock()
	c := g.conns[deviceID]
	g.mu.Unlock()
	if c != nil {
		c.log.Info("closing connection for evicted session")
		c.shutdown(false)
	}
}

// Close tears down every live connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.shutdown(true)
	}
}

func (g *Gateway) writeErrorAndClose(ws *websocket.Conn, code, message string) {
	env := protocol.Envelope{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	ws.SetWriteDeadline(time.Now().Add(g.writeWait()))
	_ = ws.WriteJSON(env)
	ws.Close()
}
