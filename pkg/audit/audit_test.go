package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEvent_New(t *testing.T) {
	event := NewEvent("alice", ActionSubmit, EntityIntent, "01ARZ")

	if event.Actor != "alice" {
		t.Errorf("Actor = %q, want %q", event.Actor, "alice")
	}
	if event.Action != ActionSubmit {
		t.Errorf("Action = %q, want %q", event.Action, ActionSubmit)
	}
	if event.EntityType != EntityIntent {
		t.Errorf("EntityType = %q, want %q", event.EntityType, EntityIntent)
	}
	if event.EntityID != "01ARZ" {
		t.Errorf("EntityID = %q, want %q", event.EntityID, "01ARZ")
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if !event.Success {
		t.Error("new events default to success")
	}
}

func TestEvent_Chaining(t *testing.T) {
	event := NewEvent(ActorFeedback, ActionCorrective, EntityIntent, "01ARZ").
		WithTransition("applied", "violated").
		WithDuration(time.Second).
		WithDetail("observed", 40.0).
		WithDetail("goal", 20.0)

	if event.From != "applied" || event.To != "violated" {
		t.Errorf("transition = %s -> %s", event.From, event.To)
	}
	if event.Duration != time.Second {
		t.Errorf("Duration = %v", event.Duration)
	}
	if event.Detail["observed"] != 40.0 {
		t.Errorf("Detail[observed] = %v", event.Detail["observed"])
	}
	if len(event.Detail) != 2 {
		t.Errorf("Detail has %d keys, want 2", len(event.Detail))
	}
}

func TestEvent_WithError(t *testing.T) {
	event := NewEvent("alice", ActionSubmit, EntityIntent, "x").
		WithError(errors.New("test error"))

	if event.Success {
		t.Error("Success should be false")
	}
	if event.Error != "test error" {
		t.Errorf("Error = %q", event.Error)
	}

	// Test with nil error
	event2 := NewEvent("alice", ActionSubmit, EntityIntent, "x").WithError(nil)
	if event2.Success {
		t.Error("Success should be false even with nil error")
	}
	if event2.Error != "" {
		t.Errorf("Error should be empty with nil error, got %q", event2.Error)
	}
}

func TestEvent_Matches(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event := &Event{
		Timestamp:  base,
		Actor:      "alice",
		Action:     ActionTransition,
		EntityType: EntityIntent,
		EntityID:   "01ARZ",
		Success:    true,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter", filter: Filter{}, want: true},
		{name: "actor match", filter: Filter{Actor: "alice"}, want: true},
		{name: "actor mismatch", filter: Filter{Actor: "bob"}, want: false},
		{name: "action match", filter: Filter{Action: ActionTransition}, want: true},
		{name: "entity id mismatch", filter: Filter{EntityID: "other"}, want: false},
		{name: "since before", filter: Filter{Since: base.Add(-time.Hour)}, want: true},
		{name: "since after", filter: Filter{Since: base.Add(time.Hour)}, want: false},
		{name: "until before", filter: Filter{Until: base.Add(-time.Hour)}, want: false},
		{name: "failure only on success", filter: Filter{FailureOnly: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := event.Matches(tt.filter); got != tt.want {
				t.Errorf("Matches(%+v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestFileLogger_LogAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(path, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	events := []*Event{
		NewEvent("alice", ActionSubmit, EntityIntent, "a"),
		NewEvent("bob", ActionRevoke, EntityIntent, "b"),
		NewEvent(ActorSystem, ActionReconcile, EntitySystem, "").WithError(errors.New("boom")),
	}
	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	all, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}

	byActor, err := logger.Query(Filter{Actor: "alice"})
	if err != nil {
		t.Fatalf("Query by actor: %v", err)
	}
	if len(byActor) != 1 || byActor[0].EntityID != "a" {
		t.Errorf("actor query = %+v", byActor)
	}

	failures, err := logger.Query(Filter{FailureOnly: true})
	if err != nil {
		t.Fatalf("Query failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Action != ActionReconcile {
		t.Errorf("failure query = %+v", failures)
	}

	limited, err := logger.Query(Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d", len(limited))
	}

	offset, err := logger.Query(Filter{Offset: 2})
	if err != nil {
		t.Fatalf("Query offset: %v", err)
	}
	if len(offset) != 1 {
		t.Errorf("offset 2 returned %d", len(offset))
	}
}

func TestFileLogger_QueryMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(path, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	os.Remove(path)

	events, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events from missing file", len(events))
	}
}

func TestFileLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	logger, err := NewFileLogger(path, RotationConfig{MaxSize: 256, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 50; i++ {
		e := NewEvent("alice", ActionSubmit, EntityIntent, "intent").
			WithDetail("padding", "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Error("expected rotated files")
	}
	if len(matches) > 2 {
		t.Errorf("got %d rotated files, want at most 2 backups", len(matches))
	}

	if info, err := os.Stat(path); err != nil {
		t.Errorf("active log missing: %v", err)
	} else if info.Size() == 0 {
		t.Error("active log empty after rotation")
	}
}

type fakeSink struct {
	events []*Event
}

func (s *fakeSink) AppendAuditEvent(e *Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *fakeSink) QueryAuditEvents(f Filter) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if e.Matches(f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestStoreLogger(t *testing.T) {
	sink := &fakeSink{}
	logger := NewStoreLogger(sink)

	if err := logger.Log(NewEvent("alice", ActionSubmit, EntityIntent, "x")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events", len(sink.events))
	}

	got, err := logger.Query(Filter{Actor: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("query returned %d events", len(got))
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

type recordingLogger struct {
	events []*Event
	err    error
}

func (r *recordingLogger) Log(e *Event) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingLogger) Query(f Filter) ([]*Event, error) {
	var out []*Event
	for _, e := range r.events {
		if e.Matches(f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *recordingLogger) Close() error { return nil }

func TestMultiLogger(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{err: errors.New("backend down")}
	multi := NewMultiLogger(a, b)

	err := multi.Log(NewEvent("alice", ActionSubmit, EntityIntent, "x"))
	if err == nil {
		t.Error("expected error from failing backend")
	}
	if len(a.events) != 1 {
		t.Errorf("first backend got %d events, want 1", len(a.events))
	}
	if len(b.events) != 1 {
		t.Errorf("second backend got %d events, want 1 (fan-out continues past errors)", len(b.events))
	}

	got, err := multi.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("query returned %d events, want 1 from primary", len(got))
	}
}

func TestDefaultLogger(t *testing.T) {
	rec := &recordingLogger{}
	SetDefaultLogger(rec)
	defer SetDefaultLogger(nil)

	if err := Log(NewEvent("alice", ActionLogin, EntityUser, "alice")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("default logger got %d events", len(rec.events))
	}

	got, err := Query(Filter{Action: ActionLogin})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("query via default returned %d", len(got))
	}

	SetDefaultLogger(nil)
	if err := Log(NewEvent("alice", ActionLogin, EntityUser, "alice")); err != nil {
		t.Errorf("Log with nil default should be a no-op, got %v", err)
	}
	if len(rec.events) != 1 {
		t.Errorf("cleared logger still received events")
	}
}
