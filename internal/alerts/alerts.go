// Package alerts derives operator alerts from store state and engine passes.
// Alerts are keyed by kind and subject; a persisting condition refreshes
// LastSeen without re-publishing, and a resolved one is cleared.
package alerts

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/ukydev/ambulance-dispatch/internal/assign"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// Config tunes alert thresholds.
type Config struct {
	OverloadThreshold float64
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	CoverageCellDeg   float64
}

// DefaultConfig returns the alert defaults.
func DefaultConfig() Config {
	return Config{
		OverloadThreshold: 0.95,
		StaleAfter:        2 * time.Minute,
		SweepInterval:     15 * time.Second,
		CoverageCellDeg:   0.05,
	}
}

// Publisher receives alert events.
type Publisher interface {
	Publish(evs ...events.Event) uint64
}

// Snapshotter provides the latest store snapshot.
type Snapshotter interface {
	Snapshot() *store.Snapshot
}

type key struct {
	kind    models.AlertKind
	subject string
}

type ref struct {
	kind models.EntityKind
	id   string
}

// Generator tracks active alerts.
type Generator struct {
	mu     sync.Mutex
	active map[key]models.Alert
	dirty  map[ref]struct{}
	wake   chan struct{}

	source    Snapshotter
	publisher Publisher
	cfg       Config
	clock     clockz.Clock
	logger    *log.Entry
	onRaise   func(models.Alert)
}

// Option configures a Generator.
type Option func(*Generator)

// WithConfig replaces the defaults.
func WithConfig(cfg Config) Option {
	return func(g *Generator) { g.cfg = cfg }
}

// WithClock sets the clock used for staleness and timestamps.
func WithClock(c clockz.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(g *Generator) { g.logger = l }
}

// WithRaiseHook registers a callback for every published raise.
func WithRaiseHook(fn func(models.Alert)) Option {
	return func(g *Generator) { g.onRaise = fn }
}

// New creates a generator.
func New(source Snapshotter, publisher Publisher, opts ...Option) *Generator {
	g := &Generator{
		active:    map[key]models.Alert{},
		dirty:     map[ref]struct{}{},
		wake:      make(chan struct{}, 1),
		source:    source,
		publisher: publisher,
		cfg:       DefaultConfig(),
		clock:     clockz.RealClock,
		logger:    log.WithField("component", "alerts"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cfg.CoverageCellDeg <= 0 {
		g.cfg.CoverageCellDeg = DefaultConfig().CoverageCellDeg
	}
	return g
}

// raise records a condition. It publishes only for a new alert or a level
// change.
func (g *Generator) raise(kind models.AlertKind, subject string, level models.AlertLevel, msg string) {
	k := key{kind, subject}
	now := g.clock.Now()
	cur, ok := g.active[k]
	if ok && cur.Level == level {
		cur.LastSeen = now
		cur.Message = msg
		g.active[k] = cur
		return
	}
	a := models.Alert{Kind: kind, Level: level, SubjectID: subject, Message: msg, FirstSeen: now, LastSeen: now}
	if ok {
		a.FirstSeen = cur.FirstSeen
	}
	g.active[k] = a
	g.logger.WithFields(log.Fields{
		"kind":    kind,
		"subject": subject,
		"level":   level,
	}).Info(msg)
	if g.publisher != nil {
		g.publisher.Publish(events.AlertRaisedEvent(a))
	}
	if g.onRaise != nil {
		g.onRaise(a)
	}
}

func (g *Generator) clear(kind models.AlertKind, subject string) {
	k := key{kind, subject}
	cur, ok := g.active[k]
	if !ok {
		return
	}
	delete(g.active, k)
	cur.LastSeen = g.clock.Now()
	g.logger.WithFields(log.Fields{"kind": kind, "subject": subject}).Info("Alert cleared")
	if g.publisher != nil {
		g.publisher.Publish(events.AlertClearedEvent(cur))
	}
}

// ScanHospital evaluates the overload condition of h.
func (g *Generator) ScanHospital(h models.Hospital) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scanHospital(h)
}

func (g *Generator) scanHospital(h models.Hospital) {
	load := h.Load()
	full := !h.HasFreeBed()
	switch {
	case full || h.ERStatus == models.ERCritical:
		g.raise(models.AlertHospitalOverload, h.ID, models.LevelCritical,
			fmt.Sprintf("%s at %d/%d beds, ER %s", hospitalName(h), h.Occupancy, h.Capacity, h.ERStatus))
	case load >= g.cfg.OverloadThreshold:
		g.raise(models.AlertHospitalOverload, h.ID, models.LevelWarning,
			fmt.Sprintf("%s at %.0f%% capacity", hospitalName(h), load*100))
	default:
		g.clear(models.AlertHospitalOverload, h.ID)
	}
}

func hospitalName(h models.Hospital) string {
	if h.Name != "" {
		return h.Name
	}
	return h.ID
}

// ScanAmbulance evaluates whether a is overdue for a position report.
func (g *Generator) ScanAmbulance(a models.Ambulance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scanAmbulance(a, g.clock.Now())
}

func (g *Generator) scanAmbulance(a models.Ambulance, now time.Time) {
	if g.cfg.StaleAfter <= 0 || a.Status == models.AmbulanceOutOfService {
		g.clear(models.AlertStaleUnit, a.ID)
		return
	}
	silent := now.Sub(a.LastUpdate)
	if silent > g.cfg.StaleAfter {
		g.raise(models.AlertStaleUnit, a.ID, models.LevelWarning,
			fmt.Sprintf("Unit %s has not reported for %s", a.ID, silent.Truncate(time.Second)))
		return
	}
	g.clear(models.AlertStaleUnit, a.ID)
}

// CoverageSubject names the cell and priority a no-coverage alert is about.
func (g *Generator) CoverageSubject(loc models.Location, p models.Priority) string {
	deg := g.cfg.CoverageCellDeg
	return fmt.Sprintf("%d:%d/%s", int(math.Floor(loc.Lat/deg)), int(math.Floor(loc.Lon/deg)), p)
}

// ObservePass reconciles coverage and estimate alerts with the unmatched
// emergencies of an engine pass.
func (g *Generator) ObservePass(res assign.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()

	coverage := map[string]int{}
	levels := map[string]models.AlertLevel{}
	degraded := map[string]bool{}
	for _, u := range res.Unmatched {
		switch u.Reason {
		case assign.ReasonNoEligibleUnit:
			subject := g.CoverageSubject(u.Emergency.Location, u.Emergency.Priority)
			coverage[subject]++
			levels[subject] = models.LevelWarning
			if u.Emergency.Priority == models.PriorityCritical {
				levels[subject] = models.LevelCritical
			}
		case assign.ReasonEstimatesFailed:
			degraded[u.Emergency.ID] = true
			g.raise(models.AlertDegradedEstimate, u.Emergency.ID, models.LevelWarning,
				fmt.Sprintf("No travel estimate for %s, emergency held pending", u.Emergency.ID))
		}
	}
	for subject, n := range coverage {
		g.raise(models.AlertNoCoverage, subject, levels[subject],
			fmt.Sprintf("No eligible unit for %d emergencies in cell %s", n, subject))
	}
	for k := range g.active {
		switch k.kind {
		case models.AlertNoCoverage:
			if coverage[k.subject] == 0 {
				g.clear(k.kind, k.subject)
			}
		case models.AlertDegradedEstimate:
			if !degraded[k.subject] {
				g.clear(k.kind, k.subject)
			}
		}
	}
}

// Touch marks the entities of deltas for re-evaluation by Run.
func (g *Generator) Touch(deltas []models.StateDelta) {
	g.mu.Lock()
	for _, d := range deltas {
		if d.EntityKind == models.KindAmbulance || d.EntityKind == models.KindHospital {
			g.dirty[ref{d.EntityKind, d.EntityID}] = struct{}{}
		}
	}
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Flush re-evaluates every touched entity against the latest snapshot.
func (g *Generator) Flush() {
	snap := g.source.Snapshot()
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	for r := range g.dirty {
		switch r.kind {
		case models.KindAmbulance:
			if a, ok := snap.Ambulance(r.id); ok {
				g.scanAmbulance(a, now)
			}
		case models.KindHospital:
			if h, ok := snap.Hospital(r.id); ok {
				g.scanHospital(h)
			}
		}
		delete(g.dirty, r)
	}
}

// Sweep re-evaluates every ambulance and hospital. Staleness only changes
// with time, so it is detected here.
func (g *Generator) Sweep() {
	snap := g.source.Snapshot()
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	for _, a := range snap.Ambulances() {
		g.scanAmbulance(a, now)
	}
	for _, h := range snap.Hospitals() {
		g.scanHospital(h)
	}
}

// Run processes touched entities as they arrive and sweeps periodically
// until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.WithField("sweep_interval", g.cfg.SweepInterval).Info("Alert generator started")
	var tick <-chan time.Time
	for {
		if tick == nil && g.cfg.SweepInterval > 0 {
			tick = g.clock.After(g.cfg.SweepInterval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-g.wake:
			g.Flush()
		case <-tick:
			tick = nil
			g.Sweep()
		}
	}
}

// Active returns the current alerts ordered by kind and subject.
func (g *Generator) Active() []models.Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Alert, 0, len(g.active))
	for _, a := range g.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

// CountByLevel returns the number of active alerts per level.
func (g *Generator) CountByLevel() map[models.AlertLevel]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[models.AlertLevel]int{
		models.LevelInfo:     0,
		models.LevelWarning:  0,
		models.LevelCritical: 0,
	}
	for _, a := range g.active {
		out[a.Level]++
	}
	return out
}
