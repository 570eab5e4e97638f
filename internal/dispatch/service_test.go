package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

type latEstimator map[float64]float64

func (l latEstimator) Estimate(_ context.Context, from, _ models.Location, _ eta.Traffic) (float64, error) {
	if m, ok := l[from.Lat]; ok {
		return m, nil
	}
	return 10, nil
}

func ptr[T any](v T) *T { return &v }

var scene = models.Location{Lat: -1.2921, Lon: 36.8219}

func newService(t *testing.T, est eta.Estimator) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Engine.CoalesceWindow = 10 * time.Millisecond
	return New(cfg, est)
}

func addUnit(t *testing.T, s *Service, id string, c models.Capability, lat float64) {
	t.Helper()
	_, err := s.Store.UpsertAmbulance(id, store.AmbulancePatch{
		Crew:       ptr("crew"),
		Capability: &c,
		Location:   &models.Location{Lat: lat, Lon: 36.8},
	}, 0)
	require.NoError(t, err)
}

func TestService_CriticalCallGetsCapableUnit(t *testing.T) {
	s := newService(t, latEstimator{-1.1: 4, -1.2: 2})
	addUnit(t, s, "A", models.CapabilityAdvanced, -1.1)
	addUnit(t, s, "B", models.CapabilityBasic, -1.2)

	e, err := s.Intake(models.Intake{Priority: models.PriorityCritical, Location: scene, Address: "Moi Avenue"})
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)

	snap := s.Store.Snapshot()
	got, _ := snap.Emergency(e.ID)
	assert.Equal(t, models.EmergencyAssigned, got.Status)
	assert.Equal(t, "A", got.AssignedAmbulance)
	b, _ := snap.Ambulance("B")
	assert.Equal(t, models.AmbulanceAvailable, b.Status)
}

func TestService_EscalationRematchesCapableUnit(t *testing.T) {
	s := newService(t, latEstimator{-1.1: 4, -1.2: 2})
	addUnit(t, s, "A", models.CapabilityAdvanced, -1.1)
	addUnit(t, s, "B", models.CapabilityBasic, -1.2)

	e, err := s.Intake(models.Intake{Priority: models.PriorityMedium, Location: scene})
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)
	e, _ = s.Store.Snapshot().Emergency(e.ID)
	require.Equal(t, "B", e.AssignedAmbulance)

	_, err = s.Store.UpsertEmergency(e.ID, store.EmergencyPatch{Priority: ptr(models.PriorityCritical)}, e.Version)
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)

	snap := s.Store.Snapshot()
	got, _ := snap.Emergency(e.ID)
	assert.Equal(t, models.EmergencyAssigned, got.Status)
	assert.Equal(t, "A", got.AssignedAmbulance)
	b, _ := snap.Ambulance("B")
	assert.Equal(t, models.AmbulanceAvailable, b.Status)
}

func TestService_NoCoverageAlert(t *testing.T) {
	s := newService(t, latEstimator{})
	addUnit(t, s, "B", models.CapabilityBasic, -1.2)

	_, err := s.Intake(models.Intake{Priority: models.PriorityCritical, Location: scene})
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)

	active := s.Alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertNoCoverage, active[0].Kind)
	assert.Equal(t, 1, s.Stats().QueueLength)
}

func TestService_PingDrivesLifecycle(t *testing.T) {
	s := newService(t, latEstimator{})
	sub, err := s.Bus.Subscribe("test")
	require.NoError(t, err)
	addUnit(t, s, "AMB-101", models.CapabilityAdvanced, -1.1)
	e, err := s.Intake(models.Intake{Priority: models.PriorityHigh, Location: scene})
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)

	for _, st := range []models.AmbulanceStatus{models.AmbulanceTransporting, models.AmbulanceAtHospital, models.AmbulanceAvailable} {
		require.NoError(t, s.Ping(models.Ping{EntityID: "AMB-101", Kind: models.KindAmbulance, Status: ptr(st)}))
	}

	got, _ := s.Store.Snapshot().Emergency(e.ID)
	assert.Equal(t, models.EmergencyResolved, got.Status)
	assert.Equal(t, "AMB-101", got.HandledBy)

	var notes []string
	for len(sub.C()) > 0 {
		ev := <-sub.C()
		if ev.Type == events.TypeDispatchNote {
			notes = append(notes, ev.Note.Message)
		}
	}
	assert.Contains(t, notes, "Unit AMB-101 transporting patient to unknown.")
	assert.Contains(t, notes, "Emergency "+e.ID+" resolved by AMB-101.")
}

func TestService_PingErrors(t *testing.T) {
	s := newService(t, latEstimator{})

	err := s.Ping(models.Ping{EntityID: "AMB-404", Kind: models.KindAmbulance, Location: &scene})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Ping(models.Ping{EntityID: "X", Kind: "drone"})
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestService_HospitalPingRaisesOverload(t *testing.T) {
	s := newService(t, latEstimator{})
	_, err := s.Store.UpsertHospital("H-1", store.HospitalPatch{Name: ptr("KNH"), Location: &scene, Capacity: ptr(15), Occupancy: ptr(14)}, 0)
	require.NoError(t, err)

	require.NoError(t, s.Ping(models.Ping{EntityID: "H-1", Kind: models.KindHospital, Occupancy: ptr(15)}))
	s.Alerts.Flush()

	active := s.Alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.LevelCritical, active[0].Level)
}

func TestService_Stats(t *testing.T) {
	s := newService(t, latEstimator{-1.1: 6})
	addUnit(t, s, "AMB-1", models.CapabilityBasic, -1.1)
	addUnit(t, s, "AMB-2", models.CapabilityBasic, -1.3)
	amb, _ := s.Store.Snapshot().Ambulance("AMB-2")
	_, err := s.Store.UpsertAmbulance("AMB-2", store.AmbulancePatch{Status: ptr(models.AmbulanceOutOfService)}, amb.Version)
	require.NoError(t, err)
	_, err = s.Intake(models.Intake{Priority: models.PriorityLow, Location: scene})
	require.NoError(t, err)
	_, err = s.Engine.RunPass(context.Background())
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalUnits)
	assert.Equal(t, 1, st.ActiveUnits)
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, 1, st.OpenCalls)
	assert.Equal(t, 100.0, st.Utilization)
	assert.Equal(t, 6.0, st.MeanETAMinutes)
}

func TestService_RunAssignsInBackground(t *testing.T) {
	s := newService(t, latEstimator{})
	addUnit(t, s, "AMB-1", models.CapabilityBasic, -1.1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	e, err := s.Intake(models.Intake{Priority: models.PriorityMedium, Location: scene})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, _ := s.Store.Snapshot().Emergency(e.ID)
		return got.Status == models.EmergencyAssigned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNeedsPass(t *testing.T) {
	assert.True(t, needsPass([]models.StateDelta{{EntityKind: models.KindEmergency, Cause: "intake"}}))
	assert.False(t, needsPass([]models.StateDelta{{EntityKind: models.KindAssignment, Cause: "eta_refresh"}}))
	assert.False(t, needsPass([]models.StateDelta{{EntityKind: models.KindEmergency, Cause: "assignment"}}))
	assert.False(t, needsPass([]models.StateDelta{{EntityKind: models.KindAmbulance, ChangedFields: map[string]any{"crew": "x"}}}))
	assert.True(t, needsPass([]models.StateDelta{{EntityKind: models.KindAmbulance, ChangedFields: map[string]any{"location": scene}}}))
}
