package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthside-labs/hearth-core/internal/audio"
	"github.com/hearthside-labs/hearth-core/internal/protocol"
	"github.com/hearthside-labs/hearth-core/internal/session"
	"github.com/hearthside-labs/hearth-core/internal/tts"
	"github.com/hearthside-labs/hearth-core/internal/turn"
)

type outMessage struct {
	payload []byte
}

// admissionWait bounds how long a wake may sit in the scheduler queue
// before the satellite is told to retry.
const admissionWait = 10 * time.Second

// conn is one live satellite connection. readPump is the single reader and
// the single producer of inbound frames, which keeps per-stream ordering
// trivially intact; writePump is the single writer.
type conn struct {
	gw       *Gateway
	ws       *websocket.Conn
	sess     *session.Session
	deviceID string
	streamID string
	format   audio.Format
	log      *slog.Logger

	send   chan outMessage
	outSeq atomic.Uint64

	// ctx ends with the connection; it bounds queued admission waits.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	handle      *turn.Handle
	wakePending atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(c.gw.cfg.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.gw.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.gw.pongWait()))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection read failed", "error", err)
			}
			return
		}
		if reset := c.dispatch(env); reset {
			return
		}
	}
}

// dispatch handles one inbound envelope. A true return means the
// connection must be reset for a protocol violation.
func (c *conn) dispatch(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeAudio:
		return c.onAudio(env)
	case protocol.TypeWake:
		c.onWake()
	case protocol.TypeEndUtterance:
		c.onEndUtterance()
	case protocol.TypeCancel:
		c.onCancel()
	default:
		c.log.Warn("unknown envelope type", "type", string(env.Type))
	}
	return false
}

func (c *conn) onAudio(env protocol.Envelope) bool {
	if env.StreamID != c.sess.StreamID() {
		// Frames from a stale stream are worthless but harmless.
		c.log.Debug("dropping frame from stale stream", "stream_id", env.StreamID)
		return false
	}
	h := c.currentHandle()
	if h == nil {
		c.log.Debug("audio frame with no active turn", "seq", env.Seq)
		return false
	}

	frame := audio.Frame{StreamID: env.StreamID, Seq: env.Seq, PCM: env.PCM}
	err := c.gw.orch.FeedAudio(h, frame)
	switch {
	case err == nil:
		return false
	case errors.Is(err, turn.ErrBufferOverrun):
		// Turn continues with a gap; tell the satellite so it can adapt.
		c.log.Warn("input buffer overrun", "seq", env.Seq)
		c.sendEnvelope(protocol.Envelope{
			Type:      protocol.TypeError,
			TurnID:    h.ID(),
			Code:      "buffer_overrun",
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return false
	case errors.Is(err, turn.ErrSequence):
		// Out-of-order or duplicate frames mean the stream is corrupt;
		// reset the connection rather than guess at reassembly.
		c.log.Warn("frame sequence violation", "seq", env.Seq, "error", err)
		c.sendEnvelope(protocol.Envelope{
			Type:      protocol.TypeError,
			TurnID:    h.ID(),
			Code:      "protocol",
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return true
	case errors.Is(err, session.ErrState):
		c.log.Debug("frame dropped", "seq", env.Seq, "error", err)
		return false
	default:
		c.log.Warn("frame rejected", "seq", env.Seq, "error", err)
		return false
	}
}

// onWake admits a new turn. Admission can sit in the scheduler queue, so it
// runs off the read loop; cancels and pongs keep flowing while the device
// waits. The wait is bounded by admissionWait and the connection's lifetime.
func (c *conn) onWake() {
	if !c.wakePending.CompareAndSwap(false, true) {
		c.log.Debug("wake ignored, admission already pending")
		return
	}
	current := c.currentHandle()
	go func() {
		defer c.wakePending.Store(false)
		ctx, cancel := context.WithTimeout(c.ctx, admissionWait)
		defer cancel()
		h, err := c.gw.orch.StartTurn(ctx, c.sess, c, current)
		switch {
		case err == nil:
			if c.ctx.Err() != nil {
				// The connection died while we waited for a slot.
				_ = c.gw.orch.Cancel(context.Background(), h)
				return
			}
			c.setHandle(h)
			c.gw.orch.AnnounceListening(h)
		case errors.Is(err, turn.ErrSessionBusy):
			c.log.Warn("wake rejected, at capacity")
			c.sendBusy()
		case errors.Is(err, context.DeadlineExceeded):
			c.log.Warn("wake timed out waiting for a slot")
			c.sendBusy()
		case errors.Is(err, context.Canceled):
			c.log.Debug("wake abandoned, connection closing")
		case errors.Is(err, session.ErrState):
			c.log.Debug("wake dropped", "error", err)
		default:
			c.log.Warn("wake failed", "error", err)
		}
	}()
}

func (c *conn) sendBusy() {
	c.sendEnvelope(protocol.Envelope{
		Type:      protocol.TypeError,
		Code:      "busy",
		Message:   "no capacity for a new turn, retry shortly",
		Timestamp: time.Now().UTC(),
	})
}

func (c *conn) onEndUtterance() {
	h := c.currentHandle()
	if h == nil {
		c.log.Debug("end_utterance with no active turn")
		return
	}
	// The pipeline blocks until the turn is terminal; run it off the read
	// loop so pings and barge-in wakes keep flowing.
	go func() {
		if err := c.gw.orch.FinalizeUtterance(h); err != nil {
			var failure *turn.StageFailure
			if !errors.As(err, &failure) && !errors.Is(err, session.ErrState) {
				c.log.Warn("finalize failed", "turn_id", h.ID(), "error", err)
			}
		}
		c.clearHandle(h.ID())
	}()
}

func (c *conn) onCancel() {
	h := c.currentHandle()
	if h == nil {
		c.log.Debug("cancel with no active turn")
		return
	}
	if err := c.gw.orch.Cancel(context.Background(), h); err != nil && !errors.Is(err, session.ErrState) {
		c.log.Warn("cancel failed", "turn_id", h.ID(), "error", err)
	}
	c.clearHandle(h.ID())
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.pingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush anything queued before the shutdown, then close.
			for {
				select {
				case msg := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait()))
					if err := c.ws.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait()))
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait()))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
				c.log.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.writeWait()))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendAudio streams one synthesized chunk to the satellite.
func (c *conn) SendAudio(turnID string, chunk tts.Chunk) error {
	return c.sendEnvelope(protocol.Envelope{
		Type:      protocol.TypeAudioOut,
		StreamID:  c.streamID,
		Seq:       c.outSeq.Add(1) - 1,
		TurnID:    turnID,
		PCM:       chunk.PCM,
		Final:     chunk.Final,
		Timestamp: time.Now().UTC(),
	})
}

// SendTurnState notifies the satellite of a lifecycle transition.
func (c *conn) SendTurnState(turnID string, state session.State) error {
	return c.sendEnvelope(protocol.Envelope{
		Type:      protocol.TypeTurnState,
		TurnID:    turnID,
		State:     string(state),
		Timestamp: time.Now().UTC(),
	})
}

// SendError delivers one error frame for a turn.
func (c *conn) SendError(turnID, code, message string) error {
	return c.sendEnvelope(protocol.Envelope{
		Type:      protocol.TypeError,
		TurnID:    turnID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (c *conn) sendEnvelope(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection to %s closed", c.deviceID)
	case c.send <- outMessage{payload: payload}:
		return nil
	default:
		// Slow consumer: dropping beats blocking the pipeline.
		c.log.Warn("send buffer full, dropping frame", "type", string(env.Type))
		return fmt.Errorf("send buffer full for %s", c.deviceID)
	}
}

func (c *conn) currentHandle() *turn.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *conn) setHandle(h *turn.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// clearHandle drops the handle only if it still refers to turnID, so a
// barge-in's replacement handle survives the old pipeline's cleanup.
func (c *conn) clearHandle(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil && c.handle.ID() == turnID {
		c.handle = nil
	}
}

// teardown runs when the read loop exits. Transport disconnect destroys
// the session immediately, cancelling any in-flight turn.
func (c *conn) teardown() {
	current := c.gw.unregister(c)
	c.shutdown(current)
}

func (c *conn) shutdown(destroySession bool) {
	c.closeOnce.Do(func() {
		if destroySession {
			if h := c.currentHandle(); h != nil {
				if err := c.gw.orch.Cancel(context.Background(), h); err != nil && !errors.Is(err, session.ErrState) {
					c.log.Warn("cancel on disconnect failed", "error", err)
				}
			}
			c.gw.registry.Remove(c.deviceID)
			c.log.Info("satellite disconnected, session destroyed")
		}
		// writePump owns the socket: it flushes queued frames on done and
		// closes the connection, which also unblocks the read loop.
		c.cancel()
		close(c.done)
	})
}
