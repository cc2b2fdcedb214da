package telem

import (
	"context"
	"testing"
	"time"

	"github.com/beacontrack/beacontrack/pkg"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestJournal(cfg Config) (*Journal, *clock) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	j := NewJournal(cfg)
	j.now = c.now
	return j, c
}

func TestNewJournalDefaults(t *testing.T) {
	j := NewJournal(Config{})
	if j.maxEvents != DefaultMaxEvents {
		t.Errorf("maxEvents = %d, want %d", j.maxEvents, DefaultMaxEvents)
	}
	if j.retention != DefaultRetention {
		t.Errorf("retention = %v, want %v", j.retention, DefaultRetention)
	}
	if j.Len() != 0 {
		t.Errorf("new journal should be empty, has %d events", j.Len())
	}
}

func TestJournalAddFillsDefaults(t *testing.T) {
	j, c := newTestJournal(Config{})

	j.Add(Event{Type: EventBroker, Message: "connected"})

	events := j.Recent(0)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if !events[0].Timestamp.Equal(c.t) {
		t.Errorf("timestamp = %v, want %v", events[0].Timestamp, c.t)
	}
	if events[0].Level != LevelInfo {
		t.Errorf("level = %q, want %q", events[0].Level, LevelInfo)
	}
}

func TestJournalKeepsMostRecent(t *testing.T) {
	j, c := newTestJournal(Config{MaxEvents: 3})

	for i := 0; i < 5; i++ {
		c.t = c.t.Add(time.Second)
		j.Add(Event{Type: EventBroker, Message: string(rune('a' + i))})
	}

	events := j.Recent(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"c", "d", "e"} {
		if events[i].Message != want {
			t.Errorf("event %d = %q, want %q", i, events[i].Message, want)
		}
	}

	last := j.Recent(2)
	if len(last) != 2 || last[0].Message != "d" || last[1].Message != "e" {
		t.Errorf("Recent(2) = %+v", last)
	}
}

func TestJournalRecentIsACopy(t *testing.T) {
	j, _ := newTestJournal(Config{})
	j.Add(Event{Message: "first"})

	events := j.Recent(0)
	events[0].Message = "changed"

	if got := j.Recent(0)[0].Message; got != "first" {
		t.Errorf("journal was modified through Recent: %q", got)
	}
}

func TestJournalCleanupRetention(t *testing.T) {
	j, c := newTestJournal(Config{Retention: time.Hour})

	j.Add(Event{Message: "old"})
	c.t = c.t.Add(30 * time.Minute)
	j.Add(Event{Message: "recent"})

	c.t = c.t.Add(45 * time.Minute)
	j.Cleanup()

	events := j.Recent(0)
	if len(events) != 1 || events[0].Message != "recent" {
		t.Fatalf("after cleanup: %+v", events)
	}

	c.t = c.t.Add(2 * time.Hour)
	j.Cleanup()
	if j.Len() != 0 {
		t.Errorf("expected empty journal, got %d events", j.Len())
	}
}

func TestJournalCoalescesDrops(t *testing.T) {
	j, c := newTestJournal(Config{})

	for i := 0; i < 10; i++ {
		j.SampleDropped("1", pkg.DropMalformed)
	}
	j.SampleDropped("2", pkg.DropMalformed)
	j.SampleDropped("1", pkg.DropBackpress)

	if j.Len() != 3 {
		t.Fatalf("expected 3 coalesced drop events, got %d", j.Len())
	}

	c.t = c.t.Add(2 * time.Minute)
	j.SampleDropped("1", pkg.DropMalformed)
	if j.Len() != 4 {
		t.Errorf("drop after the coalescing window should be journaled, got %d events", j.Len())
	}
}

func TestJournalRecorderEvents(t *testing.T) {
	j, _ := newTestJournal(Config{})

	j.SampleIngested("1", -50)
	j.QueryCompleted("ok", 2)
	if j.Len() != 0 {
		t.Fatalf("ingest and query should not be journaled, got %d events", j.Len())
	}

	j.NumericalError("3")
	j.Configured(pkg.Session{
		ID:               "abc",
		Anchors:          []pkg.AnchorConfig{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		PathLossExponent: 2,
	})

	events := j.Recent(0)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventNumericalError || events[0].Anchor != "3" || events[0].Level != LevelWarn {
		t.Errorf("unexpected numerical error event: %+v", events[0])
	}
	if events[1].Type != EventConfigured {
		t.Fatalf("unexpected configured event: %+v", events[1])
	}
	data, ok := events[1].Data.(map[string]interface{})
	if !ok || data["session_id"] != "abc" {
		t.Errorf("configured event data = %+v", events[1].Data)
	}
}

func TestJournalRunStopsOnCancel(t *testing.T) {
	j := NewJournal(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
