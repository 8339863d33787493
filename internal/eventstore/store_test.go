package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	id, err := es.RecordJob(ctx, Job{SessionID: "s", Kind: "waveform", Outcome: "ok"}, nil)
	if err != nil || id == "" {
		t.Fatalf("expected generated id without error, got %q %v", id, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "actor-1", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestRecordJobWithEvents(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendSession(ctx, "sess", "", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}

	job := Job{
		SessionID:   "sess",
		RequestID:   "req-1",
		Kind:        "waveform",
		Voice:       "sim",
		InputBytes:  12,
		OutputBytes: 4096,
		Outcome:     "ok",
		Duration:    1500 * time.Millisecond,
	}
	events := []Event{
		{Type: "phonetic", Payload: []byte("a")},
		{Type: "position", Payload: []byte("16")},
		{Type: "phonetic", Payload: []byte("b")},
	}
	id, err := es.RecordJob(ctx, job, events)
	if err != nil {
		t.Fatalf("record job: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated job id")
	}

	jobs, err := es.ListSessionJobs(ctx, "sess", 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	got := jobs[0]
	if got.ID != id || got.RequestID != "req-1" || got.Kind != "waveform" || got.Voice != "sim" {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.OutputBytes != 4096 || got.Events != 3 || got.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected job counters %+v", got)
	}

	stored, err := es.ListJobEvents(ctx, id, 10)
	if err != nil {
		t.Fatalf("list job events: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 events, got %d", len(stored))
	}
	for i, want := range []string{"a", "16", "b"} {
		if string(stored[i].Payload) != want || stored[i].JobID != id || stored[i].SessionID != "sess" {
			t.Fatalf("event %d out of order or unlinked: %+v", i, stored[i])
		}
	}
}

func TestRecordJobNeedsSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	_, err := es.RecordJob(context.Background(), Job{SessionID: "missing", Kind: "phonetic", Outcome: "ok"}, nil)
	if err == nil {
		t.Fatal("expected foreign key failure for unknown session")
	}
	jobs, err := es.ListSessionJobs(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected rollback, got %d jobs", len(jobs))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if _, err := es.RecordJob(ctx, Job{SessionID: "old-session", Kind: "waveform", Outcome: "ok"}, []Event{{Type: "note"}}); err != nil {
		t.Fatalf("record job: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session events pruned")
	}
	jobs, err := es.ListSessionJobs(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected old session jobs pruned")
	}
}
