package turnstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/turn"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.TurnStoreConfig{RetentionMode: "ephemeral"}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	// Ephemeral stores accept writes and return nothing.
	if err := ts.SaveTurn(context.Background(), &turn.Turn{ID: "t-1", SessionID: "s-1"}); err != nil {
		t.Fatalf("save turn: %v", err)
	}
	records, err := ts.ListSessionTurns(context.Background(), "s-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if records != nil {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestSaveAndListTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TurnStoreConfig{Path: filepath.Join(tmp, "turns.db"), RetentionMode: "session"}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	now := time.Now()
	first := &turn.Turn{
		ID:           "turn-1",
		SessionID:    "session-1",
		DeviceID:     "kitchen",
		Seq:          1,
		Status:       turn.StatusCompleted,
		Transcript:   "turn on the lights",
		ResponseText: "Turning on the lights.",
		Intent:       "lights.on",
		StartedAt:    now,
		EndedAt:      now.Add(2 * time.Second),
	}
	second := &turn.Turn{
		ID:          "turn-2",
		SessionID:   "session-1",
		DeviceID:    "kitchen",
		Seq:         2,
		Status:      turn.StatusFailed,
		FailureKind: turn.FailureTimeout,
		StartedAt:   now.Add(time.Minute),
		EndedAt:     now.Add(time.Minute + 30*time.Second),
	}
	if err := ts.SaveTurn(context.Background(), first); err != nil {
		t.Fatalf("save first turn: %v", err)
	}
	if err := ts.SaveTurn(context.Background(), second); err != nil {
		t.Fatalf("save second turn: %v", err)
	}

	records, err := ts.ListSessionTurns(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(records))
	}
	if records[0].TurnID != "turn-1" || records[1].TurnID != "turn-2" {
		t.Fatalf("turns out of order: %s, %s", records[0].TurnID, records[1].TurnID)
	}
	if records[0].Intent != "lights.on" {
		t.Fatalf("unexpected intent: %s", records[0].Intent)
	}
	if records[1].Status != string(turn.StatusFailed) || records[1].FailureKind != string(turn.FailureTimeout) {
		t.Fatalf("failure not recorded: status=%s kind=%s", records[1].Status, records[1].FailureKind)
	}
}

func TestSaveTurnUpsert(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TurnStoreConfig{Path: filepath.Join(tmp, "turns.db"), RetentionMode: "session"}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	rec := &turn.Turn{ID: "turn-1", SessionID: "session-1", DeviceID: "den", Seq: 1,
		Status: turn.StatusRunning, StartedAt: time.Now()}
	if err := ts.SaveTurn(context.Background(), rec); err != nil {
		t.Fatalf("first save: %v", err)
	}
	rec.Status = turn.StatusCancelled
	rec.EndedAt = time.Now()
	if err := ts.SaveTurn(context.Background(), rec); err != nil {
		t.Fatalf("second save: %v", err)
	}

	records, err := ts.ListSessionTurns(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 turn after upsert, got %d", len(records))
	}
	if records[0].Status != string(turn.StatusCancelled) {
		t.Fatalf("status not updated: %s", records[0].Status)
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TurnStoreConfig{Path: filepath.Join(tmp, "turns.db"), RetentionMode: "session", RetentionDays: 7}
	ts, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	old := &turn.Turn{ID: "turn-old", SessionID: "session-old", DeviceID: "attic", Seq: 1,
		Status: turn.StatusCompleted, StartedAt: time.Now().Add(-30 * 24 * time.Hour),
		EndedAt: time.Now().Add(-30 * 24 * time.Hour)}
	fresh := &turn.Turn{ID: "turn-new", SessionID: "session-new", DeviceID: "attic", Seq: 1,
		Status: turn.StatusCompleted, StartedAt: time.Now(), EndedAt: time.Now()}
	if err := ts.SaveTurn(context.Background(), old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := ts.SaveTurn(context.Background(), fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	if err := ts.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	oldTurns, err := ts.ListSessionTurns(context.Background(), "session-old", 10)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(oldTurns) != 0 {
		t.Fatalf("expected old turns pruned, got %d", len(oldTurns))
	}
	newTurns, err := ts.ListSessionTurns(context.Background(), "session-new", 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(newTurns) != 1 {
		t.Fatalf("expected fresh turn kept, got %d", len(newTurns))
	}
}
