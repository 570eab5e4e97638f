// Package assign matches pending emergencies to available ambulances. A pass
// reads a snapshot, estimates travel times without holding any store lock,
// then commits each proposal under a version check.
package assign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// ErrStaleRetriesExhausted is returned when every attempt of a pass lost a
// commit race.
var ErrStaleRetriesExhausted = errors.New("assignment pass kept going stale")

// Source is the store surface the engine needs.
type Source interface {
	Snapshot() *store.Snapshot
	CommitAssignment(m store.Match) (models.Assignment, error)
	RefreshETA(emergencyID string, ambulanceVersion uint64, minutes float64) (models.Assignment, error)
}

// Publisher receives assignment and dispatch-note events.
type Publisher interface {
	Publish(evs ...events.Event) uint64
}

// Recorder collects pass metrics.
type Recorder interface {
	PassCompleted(d time.Duration, committed, unmatched int)
	StaleRetry()
	EstimateFailed()
}

type nopRecorder struct{}

func (nopRecorder) PassCompleted(time.Duration, int, int) {}
func (nopRecorder) StaleRetry()                           {}
func (nopRecorder) EstimateFailed()                       {}

// Config tunes the engine.
type Config struct {
	// CoalesceWindow collapses triggers arriving within it into one pass.
	CoalesceWindow time.Duration
	// MaxStaleRetries bounds how often a pass restarts after a stale commit.
	MaxStaleRetries int
	// EstimateTimeout bounds each estimator call.
	EstimateTimeout time.Duration
	// Concurrency bounds in-flight estimator calls.
	Concurrency int
	// RefreshDelta is the smallest ETA change worth committing, in minutes.
	RefreshDelta float64
	// Traffic is the factor used when no TrafficSource is set.
	Traffic eta.Traffic
}

// TrafficSource answers the traffic factor for one trip.
type TrafficSource interface {
	Traffic(from, to models.Location) eta.Traffic
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CoalesceWindow:  200 * time.Millisecond,
		MaxStaleRetries: 3,
		EstimateTimeout: 2 * time.Second,
		Concurrency:     8,
		RefreshDelta:    0.5,
		Traffic:         eta.TrafficFree,
	}
}

// Result summarizes one RunPass.
type Result struct {
	Version   uint64
	Attempts  int
	Committed []models.Assignment
	Unmatched []Unmatched
	Refreshed int
}

// Engine runs assignment passes.
type Engine struct {
	source    Source
	estimator eta.Estimator
	publisher Publisher
	recorder  Recorder
	traffic   TrafficSource
	cfg       Config
	clock     clockz.Clock
	logger    *log.Entry

	trigger chan struct{}
	passMu  sync.Mutex
	onPass  []func(Result)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default config.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithPublisher sets where assignment events go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTraffic sets the live traffic state consulted for every estimate.
func WithTraffic(t TrafficSource) Option {
	return func(e *Engine) { e.traffic = t }
}

// WithClock sets the clock used for the coalescing window.
func WithClock(c clockz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(e *Engine) { e.logger = l }
}

// OnPass registers a callback run after every completed pass.
func OnPass(fn func(Result)) Option {
	return func(e *Engine) { e.onPass = append(e.onPass, fn) }
}

// New creates an engine.
func New(source Source, estimator eta.Estimator, opts ...Option) *Engine {
	e := &Engine{
		source:    source,
		estimator: estimator,
		recorder:  nopRecorder{},
		cfg:       DefaultConfig(),
		clock:     clockz.RealClock,
		logger:    log.WithField("component", "assign"),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = 1
	}
	return e
}

type estimate struct {
	ambulance models.Ambulance
	minutes   float64
	err       error
}

// estimateAll fans estimator calls out over candidates. Failures are
// reported per candidate.
func (e *Engine) estimateAll(ctx context.Context, candidates []models.Ambulance, to models.Location) []estimate {
	out := make([]estimate, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, amb := range candidates {
		g.Go(func() error {
			callCtx := gctx
			if e.cfg.EstimateTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, e.cfg.EstimateTimeout)
				defer cancel()
			}
			traffic := e.cfg.Traffic
			if e.traffic != nil {
				traffic = e.traffic.Traffic(amb.Location, to)
			}
			minutes, err := e.estimator.Estimate(callCtx, amb.Location, to, traffic)
			if err == nil && (math.IsNaN(minutes) || minutes < 0) {
				err = &eta.EstimationError{From: amb.Location, To: to, Err: fmt.Errorf("invalid estimate %v", minutes)}
			}
			out[i] = estimate{ambulance: amb, minutes: minutes, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Evaluate computes a plan for snap. It does not touch the store.
func (e *Engine) Evaluate(ctx context.Context, snap *store.Snapshot) Plan {
	plan := Plan{Version: snap.Version}
	pending := snap.PendingEmergencies()
	sortQueue(pending)
	available := snap.AvailableAmbulances()
	hospitals := snap.Hospitals()
	used := map[string]bool{}

	for _, em := range pending {
		var candidates []models.Ambulance
		for _, amb := range available {
			if !used[amb.ID] && amb.Capability.Satisfies(em.Priority) {
				candidates = append(candidates, amb)
			}
		}
		if len(candidates) == 0 {
			plan.Unmatched = append(plan.Unmatched, Unmatched{Emergency: em, Reason: ReasonNoEligibleUnit, Err: ErrNoEligibleUnit})
			continue
		}

		var best *estimate
		var errs []error
		for _, est := range e.estimateAll(ctx, candidates, em.Location) {
			if est.err != nil {
				e.recorder.EstimateFailed()
				errs = append(errs, est.err)
				continue
			}
			if best == nil || est.minutes < best.minutes || (est.minutes == best.minutes && est.ambulance.ID < best.ambulance.ID) {
				best = &est
			}
		}
		if best == nil {
			plan.Unmatched = append(plan.Unmatched, Unmatched{Emergency: em, Reason: ReasonEstimatesFailed, Err: errors.Join(errs...)})
			continue
		}
		if len(errs) > 0 {
			e.logger.WithFields(log.Fields{
				"emergency_id": em.ID,
				"failed":       len(errs),
			}).Debug("Skipped candidates without an estimate")
		}

		used[best.ambulance.ID] = true
		plan.Proposals = append(plan.Proposals, store.Match{
			EmergencyID:      em.ID,
			AmbulanceID:      best.ambulance.ID,
			HospitalID:       pickHospital(hospitals, em.Location),
			ETAMinutes:       best.minutes,
			EmergencyVersion: em.Version,
			AmbulanceVersion: best.ambulance.Version,
		})
	}
	return plan
}

// RunPass evaluates the latest snapshot and commits its proposals. A stale
// commit abandons the rest of the plan and the pass starts over on a fresh
// snapshot.
func (e *Engine) RunPass(ctx context.Context) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := e.clock.Now()
	var res Result
	var lastStale error
	for attempt := 0; attempt <= e.cfg.MaxStaleRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt + 1
		snap := e.source.Snapshot()
		plan := e.Evaluate(ctx, snap)
		res.Version = plan.Version
		res.Unmatched = plan.Unmatched

		stale := false
		for _, m := range plan.Proposals {
			asg, err := e.source.CommitAssignment(m)
			if store.IsStale(err) {
				lastStale = err
				stale = true
				break
			}
			if err != nil {
				e.logger.WithError(err).WithFields(log.Fields{
					"emergency_id": m.EmergencyID,
					"ambulance_id": m.AmbulanceID,
				}).Warn("Proposal rejected")
				continue
			}
			res.Committed = append(res.Committed, asg)
			e.announce(asg)
		}
		if stale {
			e.recorder.StaleRetry()
			e.logger.WithError(lastStale).WithField("attempt", res.Attempts).Debug("Pass went stale, re-evaluating")
			continue
		}

		res.Refreshed = e.refreshETAs(ctx)
		e.recorder.PassCompleted(e.clock.Since(start), len(res.Committed), len(res.Unmatched))
		for _, fn := range e.onPass {
			fn(res)
		}
		return res, nil
	}
	e.recorder.PassCompleted(e.clock.Since(start), len(res.Committed), len(res.Unmatched))
	return res, fmt.Errorf("%w after %d attempts: %w", ErrStaleRetriesExhausted, res.Attempts, lastStale)
}

func (e *Engine) announce(asg models.Assignment) {
	e.logger.WithFields(log.Fields{
		"emergency_id": asg.EmergencyID,
		"ambulance_id": asg.AmbulanceID,
		"hospital_id":  asg.HospitalID,
		"eta_minutes":  asg.ETAMinutes,
	}).Info("Assignment committed")
	if e.publisher == nil {
		return
	}
	msg := fmt.Sprintf("Unit %s, proceed to %s. ETA %.0f min.", asg.AmbulanceID, asg.EmergencyID, math.Ceil(asg.ETAMinutes))
	if asg.HospitalID != "" {
		msg = fmt.Sprintf("Unit %s, proceed to %s, then transport to %s. ETA %.0f min.", asg.AmbulanceID, asg.EmergencyID, asg.HospitalID, math.Ceil(asg.ETAMinutes))
	}
	e.publisher.Publish(
		events.AssignmentEvent(models.AssignmentCommitted{
			EmergencyID: asg.EmergencyID,
			AmbulanceID: asg.AmbulanceID,
			HospitalID:  asg.HospitalID,
			ETAMinutes:  asg.ETAMinutes,
			Timestamp:   asg.CreatedAt,
		}),
		events.NoteEvent(events.Note{EmergencyID: asg.EmergencyID, AmbulanceID: asg.AmbulanceID, Message: msg}),
	)
}

// refreshETAs re-estimates units still driving to the scene.
func (e *Engine) refreshETAs(ctx context.Context) int {
	snap := e.source.Snapshot()
	refreshed := 0
	for _, asg := range snap.Assignments() {
		amb, ok := snap.Ambulance(asg.AmbulanceID)
		if !ok || amb.Status != models.AmbulanceDispatched {
			continue
		}
		em, ok := snap.Emergency(asg.EmergencyID)
		if !ok {
			continue
		}
		est := e.estimateAll(ctx, []models.Ambulance{amb}, em.Location)[0]
		if est.err != nil {
			e.recorder.EstimateFailed()
			continue
		}
		if math.Abs(est.minutes-asg.ETAMinutes) < e.cfg.RefreshDelta {
			continue
		}
		if _, err := e.source.RefreshETA(asg.EmergencyID, amb.Version, est.minutes); err != nil {
			e.logger.WithError(err).WithField("emergency_id", asg.EmergencyID).Debug("ETA refresh skipped")
			continue
		}
		refreshed++
	}
	return refreshed
}

// Trigger requests a pass. It never blocks; bursts collapse into one pass.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes on demand until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Assignment engine started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
		}
		if e.cfg.CoalesceWindow > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-e.clock.After(e.cfg.CoalesceWindow):
			}
			// triggers that arrived during the window are served by this pass
			select {
			case <-e.trigger:
			default:
			}
		}
		if _, err := e.RunPass(ctx); err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Warn("Assignment pass failed")
		}
	}
}
