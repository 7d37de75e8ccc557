package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reel/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{RetentionMode: "ephemeral"})
	if es.db != nil {
		t.Fatalf("ephemeral journal should not open a database")
	}
	if err := es.BeginRun(ctx, Run{ID: "r1"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "r1", Type: EventSegmentComposed}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListRunEvents(ctx, "r1", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %d (%v)", len(events), err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{})

	if err := es.BeginRun(ctx, Run{ID: "run-1", InputDigest: "abc", Output: "reel.mp4"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	run, err := es.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusRunning || run.Output != "reel.mp4" {
		t.Fatalf("unexpected run: %+v", run)
	}

	if err := es.FinishRun(ctx, "run-1", 3, 12.5, nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, err = es.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusCompleted || run.Segments != 3 || run.TotalSeconds != 12.5 || run.FinishedAt.IsZero() {
		t.Fatalf("unexpected finished run: %+v", run)
	}
}

func TestFinishRunRecordsFailure(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{})
	if err := es.BeginRun(ctx, Run{ID: "run-2"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.FinishRun(ctx, "run-2", 0, 0, errors.New("ffmpeg exploded")); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, err := es.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusFailed || run.Error != "ffmpeg exploded" {
		t.Fatalf("unexpected failed run: %+v", run)
	}
	if err := es.FinishRun(ctx, "missing", 0, 0, nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := es.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{})

	if err := es.BeginRun(ctx, Run{ID: "run-3"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for order := 1; order <= 2; order++ {
		if err := es.AppendEvent(ctx, Event{RunID: "run-3", SegmentOrder: order, Type: EventSegmentComposed, Payload: []byte("seg")}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListRunEvents(ctx, "run-3", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].SegmentOrder != 1 || events[1].SegmentOrder != 2 {
		t.Fatalf("events out of order: %+v", events)
	}
	if string(events[0].Payload) != "seg" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{RetentionDays: 1, MaxRuns: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, Run{ID: "old-run"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "old-run", Type: EventSegmentComposed}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, Run{ID: "new-run"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run events pruned")
	}
	if _, err := es.GetRun(ctx, "new-run"); err != nil {
		t.Fatalf("new run should survive: %v", err)
	}
}

func TestPruneKeepsNewestRuns(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.JournalConfig{MaxRuns: 2})
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := es.BeginRun(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("begin run: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := es.GetRun(ctx, "a"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("oldest run should be pruned, got %v", err)
	}
	if _, err := es.GetRun(ctx, "c"); err != nil {
		t.Fatalf("newest run should survive: %v", err)
	}
}
