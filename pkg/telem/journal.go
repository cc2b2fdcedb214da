// Package telem keeps a short, bounded journal of pipeline events
// (reconfigurations, filter failures, dropped samples, broker state) for
// operators. It is in-memory only and lost on restart.
package telem

import (
	"context"
	"sync"
	"time"

	"github.com/beacontrack/beacontrack/pkg"
)

// Event levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event types
const (
	EventConfigured     = "configured"
	EventRestored       = "restored"
	EventNumericalError = "numerical_error"
	EventSampleDropped  = "sample_dropped"
	EventBroker         = "broker"
)

// Event represents a system event (state changes, errors, etc.)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Anchor    string      `json:"anchor,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Config for the journal
type Config struct {
	MaxEvents int           `yaml:"max_events" validate:"min=0"`
	Retention time.Duration `yaml:"retention" validate:"min=0"`
}

// Journal holds recent events with bounded size and age
type Journal struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
	retention time.Duration

	// dropped samples are coalesced per anchor and reason
	lastDrop map[string]time.Time

	now func() time.Time
}

// Default limits
const (
	DefaultMaxEvents = 500
	DefaultRetention = 24 * time.Hour

	dropCoalesce = time.Minute
)

// NewJournal creates a journal with the given configuration
func NewJournal(config Config) *Journal {
	if config.MaxEvents <= 0 {
		config.MaxEvents = DefaultMaxEvents
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}

	return &Journal{
		events:    make([]Event, 0, config.MaxEvents),
		maxEvents: config.MaxEvents,
		retention: config.Retention,
		lastDrop:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Add stores a new event. A zero timestamp is set to now.
func (j *Journal) Add(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.addLocked(event)
}

func (j *Journal) addLocked(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = j.now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	j.events = append(j.events, event)

	// Keep the most recent events
	if len(j.events) > j.maxEvents {
		copy(j.events, j.events[len(j.events)-j.maxEvents:])
		j.events = j.events[:j.maxEvents]
	}
}

// Recent returns up to limit of the newest events, oldest first. A limit
// of zero or less returns all of them.
func (j *Journal) Recent(limit int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(j.events) {
		start = len(j.events) - limit
	}
	result := make([]Event, len(j.events)-start)
	copy(result, j.events[start:])
	return result
}

// Len returns the number of stored events
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Cleanup removes events older than the retention time
func (j *Journal) Cleanup() {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().Add(-j.retention)

	// Events are appended in time order; find the first to keep
	keepIndex := len(j.events)
	for i, event := range j.events {
		if event.Timestamp.After(cutoff) {
			keepIndex = i
			break
		}
	}

	if keepIndex > 0 {
		copy(j.events, j.events[keepIndex:])
		j.events = j.events[:len(j.events)-keepIndex]
	}

	for key, at := range j.lastDrop {
		if j.now().Sub(at) > dropCoalesce {
			delete(j.lastDrop, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is done
func (j *Journal) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Cleanup()
		}
	}
}

// The journal is also an aggregator recorder. Per-sample and per-query
// events are too frequent to journal and are left to the metrics.

// SampleIngested is a no-op
func (j *Journal) SampleIngested(string, float64) {}

// QueryCompleted is a no-op
func (j *Journal) QueryCompleted(string, int) {}

// SampleDropped journals at most one event per anchor and reason per minute
func (j *Journal) SampleDropped(anchorID, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := anchorID + "\x00" + reason
	now := j.now()
	if last, ok := j.lastDrop[key]; ok && now.Sub(last) < dropCoalesce {
		return
	}
	j.lastDrop[key] = now

	j.addLocked(Event{
		Timestamp: now,
		Level:     LevelWarn,
		Type:      EventSampleDropped,
		Anchor:    anchorID,
		Message:   "sample dropped: " + reason,
		Data:      map[string]string{"reason": reason},
	})
}

// NumericalError journals a failed filter update
func (j *Journal) NumericalError(anchorID string) {
	j.Add(Event{
		Level:   LevelWarn,
		Type:    EventNumericalError,
		Anchor:  anchorID,
		Message: "filter update failed, prediction kept",
	})
}

// Configured journals a new anchor configuration
func (j *Journal) Configured(session pkg.Session) {
	ids := make([]string, len(session.Anchors))
	for i, a := range session.Anchors {
		ids[i] = a.ID
	}
	j.Add(Event{
		Timestamp: session.CreatedAt,
		Type:      EventConfigured,
		Message:   "anchor configuration published",
		Data: map[string]interface{}{
			"session_id":         session.ID,
			"anchors":            ids,
			"path_loss_exponent": session.PathLossExponent,
		},
	})
}
