package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State is a session lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateResponding   State = "responding"
	StateSpeaking     State = "speaking"
	StateCancelled    State = "cancelled"
)

// Event drives a state transition.
type Event string

const (
	EventWake             Event = "wake"
	EventEndUtterance     Event = "end_utterance"
	EventSilenceTimeout   Event = "silence_timeout"
	EventTranscriptReady  Event = "transcript_ready"
	EventTranscriptFailed Event = "transcript_failed"
	EventResponseReady    Event = "response_ready"
	EventResponseFailed   Event = "response_failed"
	EventSynthesisDone    Event = "synthesis_complete"
	EventSynthesisFailed  Event = "synthesis_failed"
	EventCancel           Event = "cancel"
	EventReset            Event = "reset"
)

// ErrState reports an event arriving in a state that does not accept it.
// The event is dropped and the session is left untouched.
var ErrState = errors.New("event not valid in current state")

// Machine is the per-session turn lifecycle machine. It is cyclic: idle is
// the only resting state, and cancellation is reachable from every active
// state so barge-in can always preempt.
type Machine struct {
	fsm *fsm.FSM
}

func NewMachine() *Machine {
	active := []string{
		string(StateListening),
		string(StateTranscribing),
		string(StateResponding),
		string(StateSpeaking),
	}
	return &Machine{
		fsm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				// wake starts listening from idle, and restarts it after a
				// barge-in cancellation.
				{Name: string(EventWake), Src: []string{string(StateIdle), string(StateCancelled)}, Dst: string(StateListening)},
				{Name: string(EventEndUtterance), Src: []string{string(StateListening)}, Dst: string(StateTranscribing)},
				{Name: string(EventSilenceTimeout), Src: []string{string(StateListening)}, Dst: string(StateTranscribing)},
				{Name: string(EventTranscriptReady), Src: []string{string(StateTranscribing)}, Dst: string(StateResponding)},
				{Name: string(EventTranscriptFailed), Src: []string{string(StateTranscribing)}, Dst: string(StateIdle)},
				{Name: string(EventResponseReady), Src: []string{string(StateResponding)}, Dst: string(StateSpeaking)},
				{Name: string(EventResponseFailed), Src: []string{string(StateResponding)}, Dst: string(StateIdle)},
				{Name: string(EventSynthesisDone), Src: []string{string(StateSpeaking)}, Dst: string(StateIdle)},
				{Name: string(EventSynthesisFailed), Src: []string{string(StateSpeaking)}, Dst: string(StateIdle)},
				{Name: string(EventCancel), Src: active, Dst: string(StateCancelled)},
				{Name: string(EventReset), Src: []string{string(StateCancelled)}, Dst: string(StateIdle)},
			},
			fsm.Callbacks{},
		),
	}
}

func (m *Machine) Current() State {
	return State(m.fsm.Current())
}

// Fire applies an event, returning ErrState when the transition is not
// allowed from the current state.
func (m *Machine) Fire(ctx context.Context, event Event) error {
	if err := m.fsm.Event(ctx, string(event)); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %s in %s", ErrState, event, invalid.State)
		}
		return err
	}
	return nil
}
