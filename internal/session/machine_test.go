package session

import (
	"context"
	"errors"
	"testing"
)

func fire(t *testing.T, m *Machine, events ...Event) {
	t.Helper()
	for _, e := range events {
		if err := m.Fire(context.Background(), e); err != nil {
			t.Fatalf("fire %s from %s: %v", e, m.Current(), err)
		}
	}
}

func TestFullTurnCycle(t *testing.T) {
	m := NewMachine()
	if m.Current() != StateIdle {
		t.Fatalf("expected initial idle, got %s", m.Current())
	}
	fire(t, m, EventWake, EventEndUtterance, EventTranscriptReady, EventResponseReady, EventSynthesisDone)
	if m.Current() != StateIdle {
		t.Fatalf("expected idle after full cycle, got %s", m.Current())
	}
}

func TestSilenceTimeoutFinalizesListening(t *testing.T) {
	m := NewMachine()
	fire(t, m, EventWake, EventSilenceTimeout)
	if m.Current() != StateTranscribing {
		t.Fatalf("expected transcribing, got %s", m.Current())
	}
}

func TestStageFailuresReturnToIdle(t *testing.T) {
	m := NewMachine()
	fire(t, m, EventWake, EventEndUtterance, EventTranscriptFailed)
	if m.Current() != StateIdle {
		t.Fatalf("expected idle after transcript failure, got %s", m.Current())
	}

	fire(t, m, EventWake, EventEndUtterance, EventTranscriptReady, EventResponseFailed)
	if m.Current() != StateIdle {
		t.Fatalf("expected idle after responder failure, got %s", m.Current())
	}

	fire(t, m, EventWake, EventEndUtterance, EventTranscriptReady, EventResponseReady, EventSynthesisFailed)
	if m.Current() != StateIdle {
		t.Fatalf("expected idle after synthesis failure, got %s", m.Current())
	}
}

func TestCancelReachableFromEveryActiveState(t *testing.T) {
	paths := [][]Event{
		{EventWake},
		{EventWake, EventEndUtterance},
		{EventWake, EventEndUtterance, EventTranscriptReady},
		{EventWake, EventEndUtterance, EventTranscriptReady, EventResponseReady},
	}
	for _, path := range paths {
		m := NewMachine()
		fire(t, m, path...)
		fire(t, m, EventCancel)
		if m.Current() != StateCancelled {
			t.Fatalf("expected cancelled after %v, got %s", path, m.Current())
		}
		fire(t, m, EventReset)
		if m.Current() != StateIdle {
			t.Fatalf("expected idle after reset, got %s", m.Current())
		}
	}
}

func TestBargeInRestartsListening(t *testing.T) {
	m := NewMachine()
	fire(t, m, EventWake, EventEndUtterance, EventTranscriptReady, EventResponseReady)
	if m.Current() != StateSpeaking {
		t.Fatalf("expected speaking, got %s", m.Current())
	}
	// New wake mid-speech: cancel, then listen for the new turn.
	fire(t, m, EventCancel, EventWake)
	if m.Current() != StateListening {
		t.Fatalf("expected listening after barge-in, got %s", m.Current())
	}
}

func TestInvalidEventDropsWithStateError(t *testing.T) {
	m := NewMachine()
	err := m.Fire(context.Background(), EventEndUtterance)
	if !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
	if m.Current() != StateIdle {
		t.Fatalf("state should be unchanged, got %s", m.Current())
	}

	fire(t, m, EventWake)
	if err := m.Fire(context.Background(), EventWake); !errors.Is(err, ErrState) {
		t.Fatalf("wake during listening should be rejected at machine level, got %v", err)
	}
}
