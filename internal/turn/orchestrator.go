package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearthside-labs/hearth-core/internal/audio"
	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/protocol"
	"github.com/hearthside-labs/hearth-core/internal/respond"
	"github.com/hearthside-labs/hearth-core/internal/sched"
	"github.com/hearthside-labs/hearth-core/internal/session"
	"github.com/hearthside-labs/hearth-core/internal/stt"
	"github.com/hearthside-labs/hearth-core/internal/tts"
)

// Outbound is the satellite-facing side of a turn: synthesized audio,
// state changes, and error frames flow back through it. The gateway
// implements it per connection.
type Outbound interface {
	SendAudio(turnID string, chunk tts.Chunk) error
	SendTurnState(turnID string, state session.State) error
	SendError(turnID, code, message string) error
}

// Publisher mirrors turn activity onto the bus for collaborators.
type Publisher interface {
	PublishJSON(subject string, v any)
}

// Store persists terminal turns.
type Store interface {
	SaveTurn(ctx context.Context, t *Turn) error
}

// Orchestrator drives session state machines through full turns. One
// orchestrator serves all sessions; per-turn state lives on the Handle, so
// pipelines for different sessions share nothing but the scheduler and the
// adapters.
type Orchestrator struct {
	cfg         config.Config
	sched       *sched.Scheduler
	transcriber stt.Transcriber
	responder   respond.Responder
	synth       tts.Synthesizer
	pub         Publisher
	store       Store
	log         *slog.Logger

	turnCounter metric.Int64Counter
}

func NewOrchestrator(
	cfg config.Config,
	scheduler *sched.Scheduler,
	transcriber stt.Transcriber,
	responder respond.Responder,
	synth tts.Synthesizer,
	pub Publisher,
	store Store,
	log *slog.Logger,
) *Orchestrator {
	meter := otel.Meter("hearth-core/turn")
	counter, err := meter.Int64Counter("hearth.turns.total",
		metric.WithDescription("Terminal turns by status"))
	if err != nil {
		log.Warn("turn counter unavailable", "error", err)
	}
	return &Orchestrator{
		cfg:         cfg,
		sched:       scheduler,
		transcriber: transcriber,
		responder:   responder,
		synth:       synth,
		pub:         pub,
		store:       store,
		log:         log.With("component", "turn"),
		turnCounter: counter,
	}
}

// Handle is the mutable state of one in-flight turn. The orchestrator
// goroutine driving the pipeline is the only writer past finalize; before
// that the transport feeds audio through it.
type Handle struct {
	orch *Orchestrator
	sess *session.Session
	out  Outbound

	ctx    context.Context
	cancel context.CancelFunc

	ring    *audio.Ring
	release func()

	mu        sync.Mutex
	turn      Turn
	nextSeq   uint64
	haveSeq   bool
	finalized bool
	silence   *time.Timer
	maxUtter  *time.Timer

	finishOnce sync.Once
}

// Turn returns a snapshot of the turn record.
func (h *Handle) Turn() Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turn
}

// ID returns the turn id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turn.ID
}

// owns reports whether this pipeline may still drive the session: the turn's
// token is live and a barge-in successor has not claimed the machine. Stage
// adapters are not required to abort mid-call, so a cancelled turn's pipeline
// can come back with a late success; it must not fire events into a session
// that now belongs to another turn.
func (h *Handle) owns() bool {
	return h.ctx.Err() == nil && h.sess.ActiveTurn() == h.ID()
}

// StartTurn admits a new turn for the session and moves it to listening.
// A wake-trigger arriving while current is still live is a barge-in: the
// live turn is cancelled and finished first, then the new one starts in its
// place. Returns ErrSessionBusy when the scheduler rejects admission. The
// caller announces listening via AnnounceListening once it has installed the
// returned handle wherever inbound frames will look for it.
func (o *Orchestrator) StartTurn(ctx context.Context, sess *session.Session, out Outbound, current *Handle) (*Handle, error) {
	if current != nil && sess.ActiveTurn() == current.ID() {
		if err := sess.Fire(ctx, session.EventCancel); err != nil {
			return nil, fmt.Errorf("barge-in cancel: %w", err)
		}
		o.CancelForBargeIn(current)
	} else if sess.ActiveTurn() != "" {
		// Active turn with no handle means the caller lost track of it;
		// refuse rather than leave an orphaned slot held.
		return nil, session.ErrTurnActive
	}

	release, err := o.sched.Acquire(ctx, sess.DeviceID)
	if err != nil {
		// Roll the barge-in cancellation back to a resting state, whether
		// the scheduler rejected outright or the wait was abandoned.
		if sess.State() == session.StateCancelled {
			_ = sess.Fire(context.Background(), session.EventReset)
		}
		if errors.Is(err, sched.ErrBusy) {
			return nil, ErrSessionBusy
		}
		return nil, err
	}

	if err := sess.Fire(ctx, session.EventWake); err != nil {
		release()
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		orch:    o,
		sess:    sess,
		out:     out,
		ctx:     turnCtx,
		cancel:  cancel,
		ring:    audio.NewRing(o.ringCapacity(sess.Format())),
		release: release,
		turn: Turn{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			DeviceID:  sess.DeviceID,
			Seq:       sess.NextTurnSeq(),
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
	}

	if err := sess.BeginTurn(h.turn.ID, cancel); err != nil {
		release()
		cancel()
		_ = sess.Fire(ctx, session.EventCancel)
		_ = sess.Fire(ctx, session.EventReset)
		return nil, err
	}

	silence := time.Duration(o.cfg.Listen.SilenceTimeoutMS) * time.Millisecond
	maxUtter := time.Duration(o.cfg.Listen.MaxUtteranceMS) * time.Millisecond
	h.mu.Lock()
	h.silence = time.AfterFunc(silence, func() { o.autoFinalize(h, session.EventSilenceTimeout) })
	h.maxUtter = time.AfterFunc(maxUtter, func() { o.autoFinalize(h, session.EventEndUtterance) })
	h.mu.Unlock()

	o.log.Info("turn started",
		"session_id", sess.ID, "device_id", sess.DeviceID,
		"turn_id", h.turn.ID, "turn_seq", h.turn.Seq)
	return h, nil
}

// AnnounceListening reports the admitted turn's listening state to the
// satellite and the bus. Callers invoke it after installing the handle so
// that frames sent in response to the announcement find their turn.
func (o *Orchestrator) AnnounceListening(h *Handle) {
	o.announceState(h, session.StateListening)
}

// FeedAudio appends one frame to the turn's input stream. Frames must
// arrive in strictly increasing sequence order; a duplicate or out-of-order
// frame yields ErrSequence and is discarded. A full buffer drops the oldest
// frames and reports ErrBufferOverrun; the turn continues with a gap.
func (o *Orchestrator) FeedAudio(h *Handle, frame audio.Frame) error {
	if st := h.sess.State(); st != session.StateListening {
		return fmt.Errorf("feed audio in %s: %w", st, session.ErrState)
	}

	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return fmt.Errorf("feed audio after finalize: %w", session.ErrState)
	}
	if h.haveSeq && frame.Seq != h.nextSeq {
		h.mu.Unlock()
		return fmt.Errorf("frame seq %d, want %d: %w", frame.Seq, h.nextSeq, ErrSequence)
	}
	h.nextSeq = frame.Seq + 1
	h.haveSeq = true
	if h.silence != nil {
		h.silence.Reset(time.Duration(o.cfg.Listen.SilenceTimeoutMS) * time.Millisecond)
	}
	h.mu.Unlock()

	h.sess.Touch()
	dropped, err := h.ring.Push(frame)
	if err != nil {
		return err
	}
	if dropped > 0 {
		o.log.Warn("audio buffer overrun",
			"session_id", h.sess.ID, "turn_id", h.Turn().ID, "dropped", dropped)
		return fmt.Errorf("dropped %d frames: %w", dropped, ErrBufferOverrun)
	}
	return nil
}

// FinalizeUtterance ends audio capture and runs the pipeline to completion:
// transcribe, respond, synthesize, streaming output frames back as they are
// produced. It blocks until the turn reaches a terminal status.
func (o *Orchestrator) FinalizeUtterance(h *Handle) error {
	return o.finalize(h, session.EventEndUtterance)
}

// autoFinalize is the timer path (silence timeout, max utterance). Errors
// only get logged; there is no caller to return them to.
func (o *Orchestrator) autoFinalize(h *Handle, ev session.Event) {
	if err := o.finalize(h, ev); err != nil {
		if !errors.Is(err, session.ErrState) {
			o.log.Warn("timer finalize failed", "turn_id", h.Turn().ID, "error", err)
		}
	}
}

func (o *Orchestrator) finalize(h *Handle, ev session.Event) error {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return fmt.Errorf("already finalized: %w", session.ErrState)
	}
	h.finalized = true
	h.stopTimersLocked()
	h.mu.Unlock()

	if err := h.sess.Fire(h.ctx, ev); err != nil {
		h.mu.Lock()
		h.finalized = false
		h.mu.Unlock()
		return err
	}
	return o.runPipeline(h)
}

// runPipeline drives transcription, response, and synthesis under one
// cancellation token with an independent timeout per stage.
func (o *Orchestrator) runPipeline(h *Handle) error {
	sess := h.sess
	turnID := h.Turn().ID
	log := o.log.With("session_id", sess.ID, "turn_id", turnID)

	h.mu.Lock()
	h.turn.TranscribingAt = time.Now()
	h.mu.Unlock()
	o.announceState(h, session.StateTranscribing)

	result, err := o.transcribe(h)
	if err != nil {
		if h.ctx.Err() != nil {
			o.finishCancelled(h)
			return nil
		}
		return o.failTurn(h, session.EventTranscriptFailed, classify(err, FailureTranscription))
	}
	if !h.owns() {
		o.finishCancelled(h)
		return nil
	}
	sess.SetPartial("")
	if err := sess.Fire(h.ctx, session.EventTranscriptReady); err != nil {
		o.finishCancelled(h)
		return nil
	}
	h.mu.Lock()
	h.turn.Transcript = result.Text
	h.turn.RespondingAt = time.Now()
	h.mu.Unlock()
	o.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:  sess.ID,
		TurnID:     turnID,
		Text:       result.Text,
		Confidence: result.Confidence,
		Timestamp:  time.Now().UTC(),
	})
	o.announceState(h, session.StateResponding)
	log.Debug("transcript ready", "chars", len(result.Text))

	reply, err := o.respondStage(h, result.Text)
	if err != nil {
		if h.ctx.Err() != nil {
			o.finishCancelled(h)
			return nil
		}
		return o.failTurn(h, session.EventResponseFailed, classify(err, FailureResponder))
	}
	if !h.owns() {
		o.finishCancelled(h)
		return nil
	}
	if err := sess.Fire(h.ctx, session.EventResponseReady); err != nil {
		o.finishCancelled(h)
		return nil
	}
	h.mu.Lock()
	h.turn.ResponseText = reply.Text
	h.turn.Intent = reply.Intent
	h.turn.SpeakingAt = time.Now()
	h.mu.Unlock()
	o.publish(protocol.SubjectResponse, protocol.Response{
		SessionID: sess.ID,
		TurnID:    turnID,
		Text:      reply.Text,
		Intent:    reply.Intent,
		Timestamp: time.Now().UTC(),
	})
	o.announceState(h, session.StateSpeaking)
	log.Debug("response ready", "intent", reply.Intent, "chars", len(reply.Text))

	if err := o.speak(h, reply); err != nil {
		if h.ctx.Err() != nil {
			o.finishCancelled(h)
			return nil
		}
		return o.failTurn(h, session.EventSynthesisFailed, classify(err, FailureSynthesis))
	}
	if !h.owns() {
		o.finishCancelled(h)
		return nil
	}

	if err := sess.Fire(h.ctx, session.EventSynthesisDone); err != nil {
		o.finishCancelled(h)
		return nil
	}
	o.finish(h, StatusCompleted, "")
	o.announceState(h, session.StateIdle)
	log.Info("turn completed", "intent", reply.Intent)
	return nil
}

func (o *Orchestrator) transcribe(h *Handle) (stt.Result, error) {
	ctx, cancel := o.stageContext(h.ctx, o.cfg.STT.TimeoutMS)
	defer cancel()

	buffered := h.ring.Drain()
	frames := make(chan audio.Frame, len(buffered)+1)
	for _, f := range buffered {
		frames <- f
	}
	close(frames)

	sess := h.sess
	turnID := h.Turn().ID
	emit := func(p stt.Partial) {
		sess.SetPartial(p.Text)
		o.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID:  sess.ID,
			TurnID:     turnID,
			Text:       p.Text,
			Partial:    true,
			Confidence: p.Confidence,
			Timestamp:  time.Now().UTC(),
		})
	}
	return o.transcriber.Transcribe(ctx, sess.Format(), frames, emit)
}

func (o *Orchestrator) respondStage(h *Handle, transcript string) (respond.Result, error) {
	ctx, cancel := o.stageContext(h.ctx, o.cfg.Responder.TimeoutMS)
	defer cancel()

	turnID := h.Turn().ID
	req := respond.Request{
		SessionID:   h.sess.ID,
		TurnID:      turnID,
		Transcript:  transcript,
		System:      o.cfg.Responder.System,
		MaxTokens:   o.cfg.Responder.MaxTokens,
		Temperature: o.cfg.Responder.Temperature,
	}
	var accumulated string
	emit := func(d respond.Delta) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		accumulated += d.Content
		o.publish(protocol.SubjectResponsePartial, protocol.Response{
			SessionID: h.sess.ID,
			TurnID:    turnID,
			Text:      accumulated,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
	return o.responder.Respond(ctx, req, emit)
}

// speak streams synthesized audio back to the satellite. Once the turn's
// token is cancelled, remaining chunks are discarded, not sent.
func (o *Orchestrator) speak(h *Handle, reply respond.Result) error {
	ctx, cancel := o.stageContext(h.ctx, o.cfg.TTS.TimeoutMS)
	defer cancel()

	turnID := h.Turn().ID
	chunks, errs := o.synth.Synthesize(ctx, tts.Request{
		SessionID: h.sess.ID,
		TurnID:    turnID,
		Text:      reply.Text,
		Voice:     o.cfg.TTS.Voice,
	})

	for {
		select {
		case <-h.ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				if err, open := <-errs; open && err != nil {
					return err
				}
				return nil
			}
			if h.ctx.Err() != nil {
				return nil
			}
			if err := h.out.SendAudio(turnID, chunk); err != nil {
				return err
			}
		}
	}
}

// Cancel aborts the turn wherever it is: the token is signalled, remaining
// output is discarded, and the session returns to idle. Safe to call more
// than once.
func (o *Orchestrator) Cancel(ctx context.Context, h *Handle) error {
	if err := h.sess.Fire(ctx, session.EventCancel); err != nil {
		return err
	}
	h.cancel()
	o.finish(h, StatusCancelled, "")
	if err := h.sess.Fire(ctx, session.EventReset); err != nil && !errors.Is(err, session.ErrState) {
		return err
	}
	o.announceState(h, session.StateIdle)
	return nil
}

// CancelForBargeIn signals the token and finishes the record but leaves the
// machine in the cancelled state so the incoming wake can claim it.
func (o *Orchestrator) CancelForBargeIn(h *Handle) {
	h.cancel()
	o.finish(h, StatusCancelled, "")
}

// failTurn records one stage failure, notifies the device with a single
// ERROR frame, and returns the session to idle. The stage error is
// propagated to the caller after bookkeeping.
func (o *Orchestrator) failTurn(h *Handle, ev session.Event, failure *StageFailure) error {
	if err := h.sess.Fire(h.ctx, ev); err != nil && !errors.Is(err, session.ErrState) {
		o.log.Error("failure transition rejected", "turn_id", h.Turn().ID, "error", err)
	}
	o.finish(h, StatusFailed, failure.Kind)
	if err := h.out.SendError(h.Turn().ID, string(failure.Kind), failure.Err.Error()); err != nil {
		o.log.Warn("error frame not delivered", "turn_id", h.Turn().ID, "error", err)
	}
	o.announceState(h, session.StateIdle)
	o.log.Warn("turn failed",
		"session_id", h.sess.ID, "turn_id", h.Turn().ID,
		"kind", failure.Kind, "error", failure.Err)
	return failure
}

func (o *Orchestrator) finishCancelled(h *Handle) {
	o.finish(h, StatusCancelled, "")
}

// finish performs terminal bookkeeping exactly once: timers, scheduler
// slot, session ownership, persistence, metrics.
func (o *Orchestrator) finish(h *Handle, status Status, kind FailureKind) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.stopTimersLocked()
		h.finalized = true
		h.turn.Status = status
		h.turn.FailureKind = kind
		h.turn.EndedAt = time.Now()
		rec := h.turn
		h.mu.Unlock()

		h.cancel()
		h.sess.EndTurn(rec.ID)
		h.release()

		if o.turnCounter != nil {
			o.turnCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("status", string(status))))
		}
		o.publish(protocol.SubjectTurnState, protocol.TurnEvent{
			SessionID:   rec.SessionID,
			DeviceID:    rec.DeviceID,
			TurnID:      rec.ID,
			State:       string(h.sess.State()),
			Status:      string(status),
			FailureKind: string(kind),
			Timestamp:   time.Now().UTC(),
		})
		if o.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.store.SaveTurn(ctx, &rec); err != nil {
				o.log.Error("turn not persisted", "turn_id", rec.ID, "error", err)
			}
		}
	})
}

// announceState tells both the satellite and the bus about a transition.
func (o *Orchestrator) announceState(h *Handle, st session.State) {
	turnID := h.Turn().ID
	if err := h.out.SendTurnState(turnID, st); err != nil {
		o.log.Debug("state frame not delivered", "turn_id", turnID, "error", err)
	}
	o.publish(protocol.SubjectTurnState, protocol.TurnEvent{
		SessionID: h.sess.ID,
		DeviceID:  h.sess.DeviceID,
		TurnID:    turnID,
		State:     string(st),
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publish(subject string, v any) {
	if o.pub != nil {
		o.pub.PublishJSON(subject, v)
	}
}

func (o *Orchestrator) stageContext(parent context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(timeoutMS)*time.Millisecond)
}

func (o *Orchestrator) ringCapacity(format audio.Format) int {
	frames := o.cfg.Listen.BufferFrames
	if frames < 1 {
		frames = 1
	}
	// Room for the PCM payload plus the per-record framing overhead.
	return frames * (format.FrameBytes() + 64)
}

func (h *Handle) stopTimersLocked() {
	if h.silence != nil {
		h.silence.Stop()
	}
	if h.maxUtter != nil {
		h.maxUtter.Stop()
	}
}

func classify(err error, kind FailureKind) *StageFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageFailure{Kind: FailureTimeout, Err: err}
	}
	return &StageFailure{Kind: kind, Err: err}
}
