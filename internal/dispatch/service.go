// Package dispatch wires the store, assignment engine, alert generator and
// event bus into one service and exposes the operations the transports use.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/ambulance-dispatch/internal/alerts"
	"github.com/ukydev/ambulance-dispatch/internal/assign"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/metrics"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// DefaultPingRetries bounds how often a ping is re-applied after losing a
// version race.
const DefaultPingRetries = 5

// Config holds the tunables of every component.
type Config struct {
	Engine      assign.Config
	Alerts      alerts.Config
	QueueSize   int
	PingRetries int
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Engine:      assign.DefaultConfig(),
		Alerts:      alerts.DefaultConfig(),
		QueueSize:   events.DefaultQueueSize,
		PingRetries: DefaultPingRetries,
	}
}

// Service is the dispatch coordination core.
type Service struct {
	Store   *store.Store
	Bus     *events.Bus
	Engine  *assign.Engine
	Alerts  *alerts.Generator
	Metrics *metrics.Metrics
	Traffic *eta.TrafficMap

	cfg    Config
	clock  clockz.Clock
	logger *log.Entry
}

// Option configures a Service.
type Option func(*options)

type options struct {
	clock   clockz.Clock
	metrics *metrics.Metrics
	newID   func() string
}

// WithClock sets the clock shared by every component.
func WithClock(c clockz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDGenerator replaces the emergency id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// New builds the service around estimator.
func New(cfg Config, estimator eta.Estimator, opts ...Option) *Service {
	o := options{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if cfg.PingRetries <= 0 {
		cfg.PingRetries = DefaultPingRetries
	}

	s := &Service{
		Metrics: o.metrics,
		cfg:     cfg,
		clock:   o.clock,
		logger:  log.WithField("component", "dispatch"),
	}
	s.Bus = events.NewBus(
		events.WithQueueSize(cfg.QueueSize),
		events.WithClock(o.clock),
		events.WithDropHook(s.Metrics.SubscriberDropped),
	)
	storeOpts := []store.Option{store.WithClock(o.clock), store.WithPublisher(s.Bus)}
	if o.newID != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(o.newID))
	}
	s.Store = store.New(storeOpts...)
	s.Alerts = alerts.New(s.Store, s.Bus,
		alerts.WithConfig(cfg.Alerts),
		alerts.WithClock(o.clock),
		alerts.WithRaiseHook(s.Metrics.AlertRaised),
	)
	s.Traffic = eta.NewTrafficMap(cfg.Engine.Traffic, o.clock)
	s.Engine = assign.New(s.Store, estimator,
		assign.WithConfig(cfg.Engine),
		assign.WithTraffic(s.Traffic),
		assign.WithPublisher(s.Bus),
		assign.WithRecorder(s.Metrics),
		assign.WithClock(o.clock),
		assign.OnPass(s.Alerts.ObservePass),
	)
	s.Store.Subscribe(s.onCommit)
	return s
}

// onCommit fans a commit out to the alert generator and the engine and
// annotates lifecycle changes in the dispatch log.
func (s *Service) onCommit(snap *store.Snapshot, deltas []models.StateDelta) {
	s.Metrics.ObserveDeltas(deltas)
	s.Alerts.Touch(deltas)
	if needsPass(deltas) {
		s.Engine.Trigger()
	}
	if notes := dispatchNotes(snap, deltas); len(notes) > 0 {
		s.Bus.Publish(notes...)
	}
}

// needsPass reports whether a commit can change the outcome of a pass.
// Commits made by the engine itself cannot.
func needsPass(deltas []models.StateDelta) bool {
	for _, d := range deltas {
		if d.Cause == "assignment" || d.Cause == "eta_refresh" {
			continue
		}
		switch d.EntityKind {
		case models.KindEmergency, models.KindHospital:
			return true
		case models.KindAmbulance:
			if d.Changed("status") || d.Changed("location") || d.Changed("capability") {
				return true
			}
		}
	}
	return false
}

func dispatchNotes(snap *store.Snapshot, deltas []models.StateDelta) []events.Event {
	var out []events.Event
	for _, d := range deltas {
		if !d.Changed("status") {
			continue
		}
		switch d.EntityKind {
		case models.KindAmbulance:
			a, ok := snap.Ambulance(d.EntityID)
			if !ok {
				continue
			}
			var msg string
			switch a.Status {
			case models.AmbulanceTransporting:
				msg = fmt.Sprintf("Unit %s transporting patient to %s.", a.ID, orUnknown(a.Destination))
			case models.AmbulanceAtHospital:
				msg = fmt.Sprintf("Unit %s arrived at %s.", a.ID, orUnknown(a.Destination))
			case models.AmbulanceOutOfService:
				msg = fmt.Sprintf("Unit %s out of service.", a.ID)
			case models.AmbulanceAvailable:
				if d.Created {
					continue
				}
				msg = fmt.Sprintf("Unit %s available.", a.ID)
			default:
				continue
			}
			out = append(out, events.NoteEvent(events.Note{AmbulanceID: a.ID, EmergencyID: a.AssignedEmergency, Message: msg}))
		case models.KindEmergency:
			e, ok := snap.Emergency(d.EntityID)
			if !ok || d.Created {
				continue
			}
			var msg string
			switch e.Status {
			case models.EmergencyResolved:
				msg = fmt.Sprintf("Emergency %s resolved by %s.", e.ID, orUnknown(e.HandledBy))
			case models.EmergencyCancelled:
				msg = fmt.Sprintf("Emergency %s cancelled.", e.ID)
			case models.EmergencyPending:
				msg = fmt.Sprintf("Emergency %s back in queue, unit %s released.", e.ID, orUnknown(e.HandledBy))
			default:
				continue
			}
			out = append(out, events.NoteEvent(events.Note{EmergencyID: e.ID, AmbulanceID: e.HandledBy, Message: msg}))
		}
	}
	return out
}

func orUnknown(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

// Intake records a new emergency call.
func (s *Service) Intake(in models.Intake) (models.Emergency, error) {
	e, err := s.Store.CreateEmergency(in)
	if err != nil {
		return models.Emergency{}, err
	}
	s.logger.WithFields(log.Fields{
		"emergency_id": e.ID,
		"priority":     e.Priority,
	}).Info("Emergency received")
	return e, nil
}

// Ping applies a location or status report. Version races with other
// writers are retried against a fresh snapshot.
func (s *Service) Ping(p models.Ping) error {
	err := s.applyPing(p)
	s.Metrics.PingReceived(p.Kind, err)
	return err
}

func (s *Service) applyPing(p models.Ping) error {
	var reportedAt *time.Time
	if !p.ReportedAt.IsZero() {
		at := p.ReportedAt
		reportedAt = &at
	}
	var err error
	for attempt := 0; attempt < s.cfg.PingRetries; attempt++ {
		snap := s.Store.Snapshot()
		switch p.Kind {
		case models.KindAmbulance:
			cur, ok := snap.Ambulance(p.EntityID)
			if !ok {
				return fmt.Errorf("ambulance %s: %w", p.EntityID, store.ErrNotFound)
			}
			_, err = s.Store.UpsertAmbulance(p.EntityID, store.AmbulancePatch{
				Location:   p.Location,
				Status:     p.Status,
				ReportedAt: reportedAt,
			}, cur.Version)
		case models.KindHospital:
			cur, ok := snap.Hospital(p.EntityID)
			if !ok {
				return fmt.Errorf("hospital %s: %w", p.EntityID, store.ErrNotFound)
			}
			_, err = s.Store.UpsertHospital(p.EntityID, store.HospitalPatch{
				Location:   p.Location,
				ERStatus:   p.ERStatus,
				Capacity:   p.Capacity,
				Occupancy:  p.Occupancy,
				ReportedAt: reportedAt,
			}, cur.Version)
		default:
			return &store.ValidationError{Kind: p.Kind, ID: p.EntityID, Field: "kind", Reason: "must be ambulance or hospital"}
		}
		if !store.IsStale(err) {
			return err
		}
	}
	return err
}

// Stats summarizes operations for the dashboard header.
type Stats struct {
	StoreVersion   uint64                    `json:"store_version"`
	TotalUnits     int                       `json:"total_units"`
	ActiveUnits    int                       `json:"active_units"`
	AvailableUnits int                       `json:"available_units"`
	QueueLength    int                       `json:"queue_length"`
	OpenCalls      int                       `json:"open_calls"`
	Utilization    float64                   `json:"utilization_pct"`
	MeanETAMinutes float64                   `json:"mean_eta_minutes"`
	Alerts         map[models.AlertLevel]int `json:"alerts"`
	Hospitals      []HospitalLoad            `json:"hospitals"`
}

// HospitalLoad is the capacity line of one hospital.
type HospitalLoad struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Occupancy int             `json:"occupancy"`
	Capacity  int             `json:"capacity"`
	ERStatus  models.ERStatus `json:"er_status"`
}

// Stats computes the current operations summary.
func (s *Service) Stats() Stats {
	snap := s.Store.Snapshot()
	st := Stats{StoreVersion: snap.Version, Alerts: s.Alerts.CountByLevel()}
	inService := 0
	for _, a := range snap.Ambulances() {
		st.TotalUnits++
		if a.Status == models.AmbulanceOutOfService {
			continue
		}
		inService++
		if a.Status == models.AmbulanceAvailable {
			st.AvailableUnits++
		} else {
			st.ActiveUnits++
		}
	}
	if inService > 0 {
		st.Utilization = float64(st.ActiveUnits) / float64(inService) * 100
	}
	for _, e := range snap.Emergencies() {
		if e.Status == models.EmergencyPending {
			st.QueueLength++
		}
		if !e.Status.Terminal() {
			st.OpenCalls++
		}
	}
	assignments := snap.Assignments()
	if len(assignments) > 0 {
		total := 0.0
		for _, a := range assignments {
			total += a.ETAMinutes
		}
		st.MeanETAMinutes = total / float64(len(assignments))
	}
	for _, h := range snap.Hospitals() {
		st.Hospitals = append(st.Hospitals, HospitalLoad{ID: h.ID, Name: h.Name, Occupancy: h.Occupancy, Capacity: h.Capacity, ERStatus: h.ERStatus})
	}
	return st
}

// Run starts the engine and the alert generator and blocks until ctx is
// done. Pending work from a preloaded roster is evaluated immediately.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Engine.Run(gctx) })
	g.Go(func() error { return s.Alerts.Run(gctx) })
	s.Engine.Trigger()
	s.Alerts.Sweep()
	err := g.Wait()
	s.Bus.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
