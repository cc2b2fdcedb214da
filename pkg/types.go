package pkg

import (
	"time"
)

// Point is a position on the 2D deployment plane
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AnchorConfig describes one fixed anchor reporting RSSI observations
type AnchorConfig struct {
	ID             string  `json:"id"`
	Position       Point   `json:"position"`
	ReferencePower float64 `json:"reference_power"` // dBm at unit distance
}

// Session is a published anchor configuration. It is immutable once published.
type Session struct {
	ID               string         `json:"id"`
	Anchors          []AnchorConfig `json:"anchors"`
	PathLossExponent float64        `json:"path_loss_exponent"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Sample is a raw RSSI report as delivered by a transport. Payload is the
// undecoded RSSI text; it is parsed by the aggregator.
type Sample struct {
	AnchorID string
	Payload  []byte
	Received time.Time
}

// PositionEstimate is the result of a position query. It is never persisted.
type PositionEstimate struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	SessionID string    `json:"session_id,omitempty"`
	Computed  time.Time `json:"computed"`
}

// AnchorSnapshot is a copy of one anchor's state at the time of the snapshot
type AnchorSnapshot struct {
	Config   AnchorConfig `json:"config"`
	Latest   *float64     `json:"latest,omitempty"`
	Variance *float64     `json:"variance,omitempty"`
	History  []float64    `json:"history"`
	Samples  uint64       `json:"samples"`
	LastSeen time.Time    `json:"last_seen,omitempty"`
}

// SessionSnapshot is a copy of the active session and all of its anchors
type SessionSnapshot struct {
	Session Session          `json:"session"`
	Anchors []AnchorSnapshot `json:"anchors"`
}

// Ready reports whether every anchor has produced at least one reading
func (s SessionSnapshot) Ready() bool {
	if len(s.Anchors) == 0 {
		return false
	}
	for _, a := range s.Anchors {
		if a.Latest == nil {
			return false
		}
	}
	return true
}

// Anchor set bounds
const (
	MinAnchors = 3
	MaxAnchors = 5
)

// Defaults carried over from the field deployment
const (
	DefaultReferencePower   = -45.0
	DefaultPathLossExponent = 1.7
)

// Drop reasons reported by the ingest path
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown_anchor"
	DropBackpress = "buffer_full"
)
