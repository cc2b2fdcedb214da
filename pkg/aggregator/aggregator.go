// Package aggregator owns the per-anchor filters and histories of the active
// anchor configuration and turns their latest readings into a position.
//
// Ingest and Query may be called from any number of goroutines. Each anchor
// has its own lock; a reconfiguration builds a new session and swaps it in
// with a single pointer store.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/history"
	"github.com/beacontrack/beacontrack/pkg/kalman"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/multilat"
	"github.com/beacontrack/beacontrack/pkg/pathloss"
)

// Query results reported to the Recorder
const (
	ResultOK           = "ok"
	ResultNotReady     = "not_ready"
	ResultInsufficient = "insufficient_anchors"
	ResultError        = "error"
)

// Recorder receives pipeline events, normally the Prometheus collector
type Recorder interface {
	SampleIngested(anchorID string, filtered float64)
	SampleDropped(anchorID, reason string)
	NumericalError(anchorID string)
	QueryCompleted(result string, iterations int)
	Configured(session pkg.Session)
}

type nopRecorder struct{}

func (nopRecorder) SampleIngested(string, float64) {}
func (nopRecorder) SampleDropped(string, string)   {}
func (nopRecorder) NumericalError(string)          {}
func (nopRecorder) QueryCompleted(string, int)     {}
func (nopRecorder) Configured(pkg.Session)         {}

// Recorders fans events out to several recorders. Nil entries are skipped.
func Recorders(recs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return nopRecorder{}
	case 1:
		return out[0]
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) SampleIngested(anchorID string, filtered float64) {
	for _, r := range m {
		r.SampleIngested(anchorID, filtered)
	}
}

func (m multiRecorder) SampleDropped(anchorID, reason string) {
	for _, r := range m {
		r.SampleDropped(anchorID, reason)
	}
}

func (m multiRecorder) NumericalError(anchorID string) {
	for _, r := range m {
		r.NumericalError(anchorID)
	}
}

func (m multiRecorder) QueryCompleted(result string, iterations int) {
	for _, r := range m {
		r.QueryCompleted(result, iterations)
	}
}

func (m multiRecorder) Configured(session pkg.Session) {
	for _, r := range m {
		r.Configured(session)
	}
}

// Saver persists published sessions
type Saver interface {
	Save(ctx context.Context, session pkg.Session) error
}

// saveTimeout bounds one Saver call made while configuring
const saveTimeout = 5 * time.Second

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	HistoryCapacity int
	Filter          kalman.Config
	Solver          multilat.Options
}

// slot is the mutable state of one anchor
type slot struct {
	mu       sync.RWMutex
	cfg      pkg.AnchorConfig
	filter   *kalman.Filter
	history  *history.Ring
	samples  uint64
	lastSeen time.Time
}

// session is published as a whole and never modified structurally afterwards
type session struct {
	info  pkg.Session
	order []*slot
	byID  map[string]*slot
}

// Aggregator is the positioning pipeline
type Aggregator struct {
	opts   Options
	solver *multilat.Solver
	logger *logx.Logger
	rec    Recorder
	saver  Saver

	// cfgMu orders publish+save pairs so the last saved session is the active one
	cfgMu  sync.Mutex
	active atomic.Pointer[session]

	now func() time.Time
}

// New creates an unconfigured aggregator. rec may be nil.
func New(opts Options, logger *logx.Logger, rec Recorder) (*Aggregator, error) {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = history.DefaultCapacity
	}
	if opts.Filter.X0 == nil {
		opts.Filter = kalman.DefaultConfig()
	}
	if err := opts.Filter.Validate(); err != nil {
		return nil, &pkg.ConfigError{Field: "filter", Reason: err.Error()}
	}
	if m, _ := opts.Filter.H.Dims(); m != 1 {
		return nil, &pkg.ConfigError{Field: "filter", Reason: fmt.Sprintf("RSSI is scalar, H has %d rows", m)}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Aggregator{
		opts:   opts,
		solver: multilat.NewSolver(opts.Solver),
		logger: logger.With("component", "aggregator"),
		rec:    rec,
		now:    time.Now,
	}, nil
}

// WithSaver persists every session published by Configure. Call it before
// the aggregator is shared.
func (a *Aggregator) WithSaver(saver Saver) *Aggregator {
	a.saver = saver
	return a
}

// Configure validates anchors and replaces the active session. All filter and
// history state of the previous session is discarded. On error the current
// session is left untouched. A failed save is logged; the new session stays
// active.
func (a *Aggregator) Configure(anchors []pkg.AnchorConfig, exponent float64) (pkg.Session, error) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	if err := validate(anchors, exponent); err != nil {
		return pkg.Session{}, err
	}

	s := &session{
		info: pkg.Session{
			ID:               uuid.NewString(),
			Anchors:          append([]pkg.AnchorConfig(nil), anchors...),
			PathLossExponent: exponent,
			CreatedAt:        a.now(),
		},
		order: make([]*slot, 0, len(anchors)),
		byID:  make(map[string]*slot, len(anchors)),
	}
	for _, cfg := range anchors {
		f, err := kalman.New(a.opts.Filter)
		if err != nil {
			return pkg.Session{}, &pkg.ConfigError{Field: "filter", Reason: err.Error()}
		}
		sl := &slot{cfg: cfg, filter: f, history: history.NewRing(a.opts.HistoryCapacity)}
		s.order = append(s.order, sl)
		s.byID[cfg.ID] = sl
	}

	a.active.Store(s)
	a.rec.Configured(s.info)
	a.logger.Info("Anchor configuration published",
		"session", s.info.ID, "anchors", len(anchors), "exponent", exponent)

	if a.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := a.saver.Save(ctx, cloneSession(s.info)); err != nil {
			a.logger.Warn("Failed to persist anchor configuration", "session", s.info.ID, "error", err)
		}
	}
	return cloneSession(s.info), nil
}

func validate(anchors []pkg.AnchorConfig, exponent float64) error {
	if n := len(anchors); n < pkg.MinAnchors || n > pkg.MaxAnchors {
		return &pkg.ConfigError{Field: "anchors",
			Reason: fmt.Sprintf("got %d anchors, want %d to %d", n, pkg.MinAnchors, pkg.MaxAnchors)}
	}
	if !finite(exponent) || exponent <= 0 {
		return &pkg.ConfigError{Field: "path_loss_exponent", Reason: fmt.Sprintf("must be a positive number, got %v", exponent)}
	}
	seen := make(map[string]struct{}, len(anchors))
	for i, c := range anchors {
		field := fmt.Sprintf("anchors[%d]", i)
		if strings.TrimSpace(c.ID) == "" {
			return &pkg.ConfigError{Field: field + ".id", Reason: "empty"}
		}
		if _, dup := seen[c.ID]; dup {
			return &pkg.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("duplicate id %q", c.ID)}
		}
		seen[c.ID] = struct{}{}
		if !finite(c.Position.X) || !finite(c.Position.Y) {
			return &pkg.ConfigError{Field: field + ".position", Reason: "not finite"}
		}
		if !finite(c.ReferencePower) {
			return &pkg.ConfigError{Field: field + ".reference_power", Reason: "not finite"}
		}
	}
	return nil
}

// Ingest feeds one raw RSSI value to the anchor's filter. Samples for
// anchors outside the active configuration are ignored.
func (a *Aggregator) Ingest(anchorID string, raw float64) error {
	if !finite(raw) {
		a.rec.SampleDropped(anchorID, pkg.DropMalformed)
		return &pkg.MalformedSampleError{AnchorID: anchorID, Payload: strconv.FormatFloat(raw, 'g', -1, 64), Reason: "not finite"}
	}

	s := a.active.Load()
	if s == nil {
		a.rec.SampleDropped(anchorID, pkg.DropUnknown)
		a.logger.Debug("Sample before configuration", "anchor", anchorID)
		return nil
	}
	sl, ok := s.byID[anchorID]
	if !ok {
		a.rec.SampleDropped(anchorID, pkg.DropUnknown)
		a.logger.Debug("Sample for unknown anchor", "anchor", anchorID)
		return nil
	}

	sl.mu.Lock()
	_, _, err := sl.filter.Step([]float64{raw})
	if err != nil {
		sl.samples++
		sl.lastSeen = a.now()
		sl.mu.Unlock()

		if errors.Is(err, pkg.ErrNumerical) {
			a.rec.NumericalError(anchorID)
			a.logger.Warn("Filter update failed, keeping prediction", "anchor", anchorID, "error", err)
			return nil
		}
		return fmt.Errorf("filter step for anchor %s: %w", anchorID, err)
	}
	z, cov := sl.filter.Observed()
	at := a.now()
	sl.history.Push(history.Reading{Value: z[0], Raw: raw, Variance: cov.At(0, 0), At: at})
	sl.samples++
	sl.lastSeen = at
	sl.mu.Unlock()

	a.rec.SampleIngested(anchorID, z[0])
	return nil
}

// IngestPayload parses a decimal RSSI payload and ingests it
func (a *Aggregator) IngestPayload(anchorID string, payload []byte) error {
	text := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		a.rec.SampleDropped(anchorID, pkg.DropMalformed)
		return &pkg.MalformedSampleError{AnchorID: anchorID, Payload: text, Reason: "not a number"}
	}
	return a.Ingest(anchorID, v)
}

// Query estimates the beacon position from the latest filtered reading of
// every configured anchor.
func (a *Aggregator) Query() (pkg.PositionEstimate, error) {
	s := a.active.Load()
	if s == nil {
		a.rec.QueryCompleted(ResultNotReady, 0)
		return pkg.PositionEstimate{}, &pkg.NotReadyError{}
	}

	ms := make([]multilat.Measurement, 0, len(s.order))
	for _, sl := range s.order {
		sl.mu.RLock()
		latest, ok := sl.history.Latest()
		sl.mu.RUnlock()
		if !ok {
			a.rec.QueryCompleted(ResultNotReady, 0)
			return pkg.PositionEstimate{}, &pkg.NotReadyError{AnchorID: sl.cfg.ID}
		}

		d, err := pathloss.Distance(sl.cfg.ReferencePower, latest.Value, s.info.PathLossExponent)
		if err != nil {
			a.rec.QueryCompleted(ResultError, 0)
			return pkg.PositionEstimate{}, fmt.Errorf("distance for anchor %s: %w", sl.cfg.ID, err)
		}
		ms = append(ms, multilat.Measurement{Anchor: sl.cfg.Position, Distance: d})
	}

	res, err := a.solver.Solve(ms)
	if err != nil {
		result := ResultError
		if errors.Is(err, pkg.ErrInsufficientAnchor) {
			result = ResultInsufficient
		}
		a.rec.QueryCompleted(result, res.Iterations)
		return pkg.PositionEstimate{}, err
	}
	a.rec.QueryCompleted(ResultOK, res.Iterations)

	if !res.Converged {
		a.logger.Debug("Solver stopped before convergence",
			"iterations", res.Iterations, "cost", res.Cost)
	}
	return pkg.PositionEstimate{
		X:         res.Position.X,
		Y:         res.Position.Y,
		SessionID: s.info.ID,
		Computed:  a.now(),
	}, nil
}

// Session returns the active configuration
func (a *Aggregator) Session() (pkg.Session, bool) {
	s := a.active.Load()
	if s == nil {
		return pkg.Session{}, false
	}
	return cloneSession(s.info), true
}

// Snapshot copies the state of every anchor of the active session
func (a *Aggregator) Snapshot() (pkg.SessionSnapshot, bool) {
	s := a.active.Load()
	if s == nil {
		return pkg.SessionSnapshot{}, false
	}

	out := pkg.SessionSnapshot{
		Session: cloneSession(s.info),
		Anchors: make([]pkg.AnchorSnapshot, 0, len(s.order)),
	}
	for _, sl := range s.order {
		sl.mu.RLock()
		readings := sl.history.Values()
		snap := pkg.AnchorSnapshot{
			Config:   sl.cfg,
			History:  make([]float64, len(readings)),
			Samples:  sl.samples,
			LastSeen: sl.lastSeen,
		}
		sl.mu.RUnlock()

		for i, r := range readings {
			snap.History[i] = r.Value
		}
		if n := len(readings); n > 0 {
			latest, variance := readings[n-1].Value, readings[n-1].Variance
			snap.Latest = &latest
			snap.Variance = &variance
		}
		out.Anchors = append(out.Anchors, snap)
	}
	return out, true
}

// Run drains samples until ctx is done or the channel is closed. Samples are
// ingested in channel order, which keeps per-anchor order.
func (a *Aggregator) Run(ctx context.Context, samples <-chan pkg.Sample) error {
	a.logger.Info("Ingest loop started")
	defer a.logger.Info("Ingest loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case smp, ok := <-samples:
			if !ok {
				return nil
			}
			if err := a.IngestPayload(smp.AnchorID, smp.Payload); err != nil {
				a.logger.Warn("Dropping sample", "anchor", smp.AnchorID, "error", err)
			}
		}
	}
}

func cloneSession(s pkg.Session) pkg.Session {
	s.Anchors = append([]pkg.AnchorConfig(nil), s.Anchors...)
	return s
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
