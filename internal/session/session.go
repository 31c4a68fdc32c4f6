package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthside-labs/hearth-core/internal/audio"
)

// ErrTurnActive reports an attempt to begin a turn while another turn is
// still live on the session.
var ErrTurnActive = errors.New("session already has an active turn")

// Session is one device's current interaction context. All mutation goes
// through its mutex; the orchestrator driving the active turn is the only
// writer during a turn, everything else reads snapshots.
type Session struct {
	ID       string
	DeviceID string

	mu            sync.Mutex
	machine       *Machine
	format        audio.Format
	streamID      string
	outStreamID   string
	turnSeq       uint64
	activeTurnID  string
	activeCancel  context.CancelFunc
	partialText   string
	lastSeen      time.Time
	lastFrameSeen time.Time
}

func New(deviceID string, format audio.Format) *Session {
	now := time.Now()
	return &Session{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		machine:  NewMachine(),
		format:   format,
		lastSeen: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Fire applies a lifecycle event under the session lock.
func (s *Session) Fire(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Fire(ctx, event)
}

// Format returns the negotiated audio format.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// ResetStream installs a fresh inbound stream id, invalidating frames from
// any previous connection. Returns the new id.
func (s *Session) ResetStream(format audio.Format) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	s.streamID = uuid.NewString()
	s.lastSeen = time.Now()
	return s.streamID
}

// StreamID returns the current inbound stream id.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// NextTurnSeq allocates the next monotonic turn ordinal for this session.
func (s *Session) NextTurnSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnSeq++
	return s.turnSeq
}

// BeginTurn registers turnID as the single active turn. The one-active-turn
// invariant lives here: a second begin without an intervening EndTurn fails.
func (s *Session) BeginTurn(turnID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTurnID != "" {
		return ErrTurnActive
	}
	s.activeTurnID = turnID
	s.activeCancel = cancel
	s.partialText = ""
	return nil
}

// EndTurn clears the active turn if turnID still owns it.
func (s *Session) EndTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTurnID == turnID {
		s.activeTurnID = ""
		s.activeCancel = nil
	}
}

// ActiveTurn returns the live turn id, empty when idle.
func (s *Session) ActiveTurn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurnID
}

// CancelActive signals the active turn's cancellation token, if any, and
// reports whether there was one.
func (s *Session) CancelActive() bool {
	s.mu.Lock()
	cancel := s.activeCancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SetPartial stores the accumulated partial transcript while mid-utterance.
func (s *Session) SetPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialText = text
}

// Partial returns the accumulated partial transcript.
func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partialText
}

// Touch updates last-seen; the transport calls it on every inbound frame.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastSeen = now
	s.lastFrameSeen = now
}

// LastSeen returns the last contact time.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// IdleFor reports how long the session has been without contact.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastSeen())
}
