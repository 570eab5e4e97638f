package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/ukydev/ambulance-dispatch/internal/lifecycle"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]models.StateDelta
}

func (p *recordingPublisher) PublishDeltas(deltas []models.StateDelta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, deltas)
}

func (p *recordingPublisher) last() []models.StateDelta {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.batches) == 0 {
		return nil
	}
	return p.batches[len(p.batches)-1]
}

var nairobi = models.Location{Lat: -1.2921, Lon: 36.8219}

func ptr[T any](v T) *T { return &v }

type fakeClock interface {
	clockz.Clock
	Advance(d time.Duration)
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher, fakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	pub := &recordingPublisher{}
	n := 0
	s := New(WithClock(clock), WithPublisher(pub), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("E-%03d", n)
	}))
	return s, pub, clock
}

func seedAmbulance(t *testing.T, s *Store, id string, capability models.Capability) models.Ambulance {
	t.Helper()
	a, err := s.UpsertAmbulance(id, AmbulancePatch{
		Crew:       ptr("crew " + id),
		Capability: &capability,
		Location:   &nairobi,
	}, 0)
	require.NoError(t, err)
	return a
}

func seedEmergency(t *testing.T, s *Store, p models.Priority) models.Emergency {
	t.Helper()
	e, err := s.CreateEmergency(models.Intake{Priority: p, Location: nairobi, Address: "Kenyatta Ave"})
	require.NoError(t, err)
	return e
}

func seedHospital(t *testing.T, s *Store, id string) models.Hospital {
	t.Helper()
	h, err := s.UpsertHospital(id, HospitalPatch{
		Name:      ptr("Hospital " + id),
		Location:  &nairobi,
		Capacity:  ptr(10),
		Occupancy: ptr(2),
	}, 0)
	require.NoError(t, err)
	return h
}

func commit(t *testing.T, s *Store, e models.Emergency, a models.Ambulance, hospitalID string) {
	t.Helper()
	_, err := s.CommitAssignment(Match{
		EmergencyID:      e.ID,
		AmbulanceID:      a.ID,
		HospitalID:       hospitalID,
		ETAMinutes:       4,
		EmergencyVersion: e.Version,
		AmbulanceVersion: a.Version,
	})
	require.NoError(t, err)
}

func TestUpsertAmbulance_Create(t *testing.T) {
	s, pub, _ := newTestStore(t)

	a := seedAmbulance(t, s, "AMB-101", models.CapabilityAdvanced)

	assert.Equal(t, uint64(1), a.Version)
	assert.Equal(t, models.AmbulanceAvailable, a.Status)
	assert.Equal(t, uint64(1), s.Version())

	deltas := pub.last()
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Created)
	assert.Equal(t, models.KindAmbulance, deltas[0].EntityKind)
	assert.Equal(t, uint64(1), deltas[0].NewVersion)
	assert.True(t, deltas[0].Changed("capability"))
}

func TestUpsertAmbulance_CreateTwiceIsStale(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)

	_, err := s.UpsertAmbulance("AMB-101", AmbulancePatch{Crew: ptr("x")}, 0)

	var stale *StaleWriteError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(0), stale.Expected)
	assert.Equal(t, uint64(1), stale.Actual)
}

func TestUpsertAmbulance_WrongVersionIsStale(t *testing.T) {
	s, pub, _ := newTestStore(t)
	seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	before := s.Snapshot()

	_, err := s.UpsertAmbulance("AMB-101", AmbulancePatch{Crew: ptr("x")}, 7)

	assert.True(t, IsStale(err))
	assert.Same(t, before, s.Snapshot())
	assert.Len(t, pub.batches, 1)
}

func TestUpsertAmbulance_UnknownWithVersionIsNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.UpsertAmbulance("AMB-404", AmbulancePatch{Crew: ptr("x")}, 3)

	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertAmbulance_Validation(t *testing.T) {
	s, _, _ := newTestStore(t)

	tests := []struct {
		name  string
		patch AmbulancePatch
		field string
	}{
		{"missing capability", AmbulancePatch{Location: &nairobi}, "capability"},
		{"missing location", AmbulancePatch{Capability: ptr(models.CapabilityBasic)}, "location"},
		{"bad location", AmbulancePatch{Capability: ptr(models.CapabilityBasic), Location: &models.Location{Lat: 120}}, "location"},
		{"created dispatched", AmbulancePatch{Capability: ptr(models.CapabilityBasic), Location: &nairobi, Status: ptr(models.AmbulanceDispatched)}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UpsertAmbulance("AMB-1", tt.patch, 0)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, uint64(0), s.Version())
}

func TestUpsertAmbulance_OnlyChangedFieldsInDelta(t *testing.T) {
	s, pub, clock := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	clock.Advance(time.Minute)

	moved := models.Location{Lat: -1.3, Lon: 36.8}
	a, err := s.UpsertAmbulance("AMB-101", AmbulancePatch{Location: &moved}, a.Version)
	require.NoError(t, err)

	deltas := pub.last()
	require.Len(t, deltas, 1)
	assert.False(t, deltas[0].Created)
	assert.ElementsMatch(t, []string{"location", "last_update"}, keys(deltas[0].ChangedFields))
	assert.Equal(t, uint64(2), a.Version)
	assert.Equal(t, uint64(2), deltas[0].EntityVersion)
}

func TestUpsert_NoChangeEmitsNothing(t *testing.T) {
	s, pub, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	at := a.LastUpdate

	same, err := s.UpsertAmbulance("AMB-101", AmbulancePatch{Location: &nairobi, ReportedAt: &at}, a.Version)

	require.NoError(t, err)
	assert.Equal(t, a.Version, same.Version)
	assert.Equal(t, uint64(1), s.Version())
	assert.Len(t, pub.batches, 1)
}

func TestCreateEmergency(t *testing.T) {
	s, pub, clock := newTestStore(t)

	e := seedEmergency(t, s, models.PriorityHigh)

	assert.Equal(t, "E-001", e.ID)
	assert.Equal(t, models.EmergencyPending, e.Status)
	assert.Equal(t, clock.Now(), e.ReceivedAt)
	require.Len(t, pub.last(), 1)
	assert.Equal(t, "intake", pub.last()[0].Cause)
}

func TestCreateEmergency_RejectsUnknownPriority(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.CreateEmergency(models.Intake{Priority: "urgent", Location: nairobi})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)
}

func TestUpsertEmergency_PriorityOnlyEscalates(t *testing.T) {
	s, _, _ := newTestStore(t)
	e := seedEmergency(t, s, models.PriorityHigh)

	_, err := s.UpsertEmergency(e.ID, EmergencyPatch{Priority: ptr(models.PriorityLow)}, e.Version)
	var ite *lifecycle.IllegalTransitionError
	require.ErrorAs(t, err, &ite)

	e, err = s.UpsertEmergency(e.ID, EmergencyPatch{Priority: ptr(models.PriorityCritical)}, e.Version)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityCritical, e.Priority)
}

func TestDowngradePriority(t *testing.T) {
	s, pub, _ := newTestStore(t)
	e := seedEmergency(t, s, models.PriorityCritical)

	_, err := s.DowngradePriority(e.ID, e.Version, models.PriorityMedium, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	e, err = s.DowngradePriority(e.ID, e.Version, models.PriorityMedium, "caller confirmed minor injury")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, e.Priority)
	require.Len(t, pub.last(), 1)
	assert.Equal(t, "priority_downgrade: caller confirmed minor injury", pub.last()[0].Cause)
}

func TestUpsertHospital_OccupancyBounds(t *testing.T) {
	s, _, _ := newTestStore(t)
	h := seedHospital(t, s, "H-1")

	_, err := s.UpsertHospital(h.ID, HospitalPatch{Occupancy: ptr(11)}, h.Version)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "occupancy", verr.Field)

	h, err = s.UpsertHospital(h.ID, HospitalPatch{Occupancy: ptr(10)}, h.Version)
	require.NoError(t, err)
	assert.False(t, h.HasFreeBed())
}

func TestCommitAssignment_Atomic(t *testing.T) {
	s, pub, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityAdvanced)
	e := seedEmergency(t, s, models.PriorityCritical)
	h := seedHospital(t, s, "H-1")

	commit(t, s, e, a, h.ID)

	snap := s.Snapshot()
	gotA, _ := snap.Ambulance(a.ID)
	gotE, _ := snap.Emergency(e.ID)
	asg, ok := snap.Assignment(e.ID)
	require.True(t, ok)
	assert.Equal(t, models.AmbulanceDispatched, gotA.Status)
	assert.Equal(t, e.ID, gotA.AssignedEmergency)
	assert.Equal(t, models.EmergencyAssigned, gotE.Status)
	assert.Equal(t, a.ID, gotE.AssignedAmbulance)
	assert.Equal(t, h.ID, gotE.Destination)
	assert.Equal(t, 4.0, asg.ETAMinutes)

	deltas := pub.last()
	require.Len(t, deltas, 3)
	for _, d := range deltas {
		assert.Equal(t, snap.Version, d.NewVersion)
		assert.Equal(t, "assignment", d.Cause)
	}
}

func TestCommitAssignment_StaleLeavesStateUntouched(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityAdvanced)
	e := seedEmergency(t, s, models.PriorityHigh)
	_, err := s.UpsertAmbulance(a.ID, AmbulancePatch{Location: &models.Location{Lat: -1.1, Lon: 36.9}}, a.Version)
	require.NoError(t, err)
	before := s.Snapshot()

	_, err = s.CommitAssignment(Match{EmergencyID: e.ID, AmbulanceID: a.ID, EmergencyVersion: e.Version, AmbulanceVersion: a.Version})

	assert.True(t, IsStale(err))
	assert.Same(t, before, s.Snapshot())
	gotE, _ := s.Snapshot().Emergency(e.ID)
	assert.Equal(t, models.EmergencyPending, gotE.Status)
}

func TestCommitAssignment_CapabilityGate(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityCritical)

	_, err := s.CommitAssignment(Match{EmergencyID: e.ID, AmbulanceID: a.ID, EmergencyVersion: e.Version, AmbulanceVersion: a.Version})

	var ite *lifecycle.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Empty(t, s.Snapshot().Assignments())
}

func TestLinkedTransitions_FullCycle(t *testing.T) {
	s, pub, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityAdvanced)
	e := seedEmergency(t, s, models.PriorityHigh)
	commit(t, s, e, a, "")

	steps := []struct {
		to       models.AmbulanceStatus
		wantE    models.EmergencyStatus
		assigned bool
	}{
		{models.AmbulanceTransporting, models.EmergencyEnRoute, true},
		{models.AmbulanceAtHospital, models.EmergencyAtHospital, true},
		{models.AmbulanceAvailable, models.EmergencyResolved, false},
	}
	for _, step := range steps {
		cur, _ := s.Snapshot().Ambulance(a.ID)
		_, err := s.UpsertAmbulance(a.ID, AmbulancePatch{Status: ptr(step.to)}, cur.Version)
		require.NoError(t, err, "moving to %s", step.to)

		snap := s.Snapshot()
		gotA, _ := snap.Ambulance(a.ID)
		gotE, _ := snap.Emergency(e.ID)
		assert.Equal(t, step.to, gotA.Status)
		assert.Equal(t, step.wantE, gotE.Status)
		_, hasAsg := snap.Assignment(e.ID)
		assert.Equal(t, step.assigned, hasAsg)
		assert.Equal(t, step.assigned, gotA.AssignedEmergency != "")
		for _, d := range pub.last() {
			assert.Equal(t, snap.Version, d.NewVersion)
		}
	}

	gotE, _ := s.Snapshot().Emergency(e.ID)
	assert.Equal(t, a.ID, gotE.HandledBy)
	assert.Empty(t, gotE.AssignedAmbulance)
}

func TestCancelReleasesAmbulance(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityLow)
	commit(t, s, e, a, "")
	e, _ = s.Snapshot().Emergency(e.ID)

	_, err := s.UpsertEmergency(e.ID, EmergencyPatch{Status: ptr(models.EmergencyCancelled)}, e.Version)
	require.NoError(t, err)

	gotA, _ := s.Snapshot().Ambulance(a.ID)
	assert.Equal(t, models.AmbulanceAvailable, gotA.Status)
	assert.Empty(t, gotA.AssignedEmergency)
	assert.Empty(t, s.Snapshot().Assignments())
}

func TestOutOfServiceRequeuesEmergency(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityMedium)
	commit(t, s, e, a, "")
	a, _ = s.Snapshot().Ambulance(a.ID)

	a, err := s.UpsertAmbulance(a.ID, AmbulancePatch{Status: ptr(models.AmbulanceOutOfService)}, a.Version)
	require.NoError(t, err)

	gotE, _ := s.Snapshot().Emergency(e.ID)
	assert.Equal(t, models.EmergencyPending, gotE.Status)
	assert.Empty(t, gotE.AssignedAmbulance)

	_, err = s.UpsertAmbulance(a.ID, AmbulancePatch{Status: ptr(models.AmbulanceAvailable)}, a.Version)
	var ite *lifecycle.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "requires return to service", ite.Reason)

	a, err = s.ReturnToService(a.ID, a.Version)
	require.NoError(t, err)
	assert.Equal(t, models.AmbulanceAvailable, a.Status)
}

func TestEscalationRequeuesOutclassedUnit(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAmbulance(t, s, "AMB-A", models.CapabilityAdvanced)
	basic := seedAmbulance(t, s, "AMB-B", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityMedium)
	commit(t, s, e, basic, "")
	e, _ = s.Snapshot().Emergency(e.ID)

	got, err := s.UpsertEmergency(e.ID, EmergencyPatch{Priority: ptr(models.PriorityCritical)}, e.Version)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityCritical, got.Priority)
	assert.Equal(t, models.EmergencyPending, got.Status)
	assert.Empty(t, got.AssignedAmbulance)
	assert.Equal(t, "AMB-B", got.HandledBy)

	gotB, _ := s.Snapshot().Ambulance("AMB-B")
	assert.Equal(t, models.AmbulanceAvailable, gotB.Status)
	assert.Empty(t, gotB.AssignedEmergency)
	assert.Empty(t, s.Snapshot().Assignments())
}

func TestEscalationKeepsUnitWithoutBetterOption(t *testing.T) {
	s, _, _ := newTestStore(t)
	basic := seedAmbulance(t, s, "AMB-B", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityMedium)
	commit(t, s, e, basic, "")
	e, _ = s.Snapshot().Emergency(e.ID)

	got, err := s.UpsertEmergency(e.ID, EmergencyPatch{Priority: ptr(models.PriorityCritical)}, e.Version)
	require.NoError(t, err)
	assert.Equal(t, models.EmergencyAssigned, got.Status)
	assert.Equal(t, "AMB-B", got.AssignedAmbulance)
	_, ok := s.Snapshot().Assignment(e.ID)
	assert.True(t, ok)
}

func TestEscalationKeepsCapableUnit(t *testing.T) {
	s, _, _ := newTestStore(t)
	adv := seedAmbulance(t, s, "AMB-A", models.CapabilityAdvanced)
	seedAmbulance(t, s, "AMB-C", models.CapabilityCriticalCare)
	e := seedEmergency(t, s, models.PriorityHigh)
	commit(t, s, e, adv, "")
	e, _ = s.Snapshot().Emergency(e.ID)

	got, err := s.UpsertEmergency(e.ID, EmergencyPatch{Priority: ptr(models.PriorityCritical)}, e.Version)
	require.NoError(t, err)
	assert.Equal(t, models.EmergencyAssigned, got.Status)
	assert.Equal(t, "AMB-A", got.AssignedAmbulance)
}

func TestTerminalEmergencyIsImmutable(t *testing.T) {
	s, _, _ := newTestStore(t)
	e := seedEmergency(t, s, models.PriorityLow)
	e, err := s.UpsertEmergency(e.ID, EmergencyPatch{Status: ptr(models.EmergencyCancelled)}, e.Version)
	require.NoError(t, err)

	_, err = s.UpsertEmergency(e.ID, EmergencyPatch{Address: ptr("elsewhere")}, e.Version)

	var ite *lifecycle.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "emergency is closed", ite.Reason)
}

func TestRefreshETA(t *testing.T) {
	s, pub, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	e := seedEmergency(t, s, models.PriorityLow)
	commit(t, s, e, a, "")
	a, _ = s.Snapshot().Ambulance(a.ID)

	asg, err := s.RefreshETA(e.ID, a.Version, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, asg.ETAMinutes)
	require.Len(t, pub.last(), 1)
	assert.Equal(t, models.KindAssignment, pub.last()[0].EntityKind)

	_, err = s.RefreshETA(e.ID, a.Version-1, 3)
	assert.True(t, IsStale(err))

	_, err = s.RefreshETA("E-missing", a.Version, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	s, _, _ := newTestStore(t)
	a := seedAmbulance(t, s, "AMB-101", models.CapabilityBasic)
	old := s.Snapshot()

	_, err := s.UpsertAmbulance(a.ID, AmbulancePatch{Crew: ptr("night shift")}, a.Version)
	require.NoError(t, err)

	oldA, _ := old.Ambulance(a.ID)
	newA, _ := s.Snapshot().Ambulance(a.ID)
	assert.Equal(t, "crew AMB-101", oldA.Crew)
	assert.Equal(t, "night shift", newA.Crew)
}

func TestStatusAssignmentConsistency_Concurrent(t *testing.T) {
	s, _, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		seedAmbulance(t, s, fmt.Sprintf("AMB-%d", i), models.CapabilityAdvanced)
	}
	var emergencies []models.Emergency
	for i := 0; i < 5; i++ {
		emergencies = append(emergencies, seedEmergency(t, s, models.PriorityHigh))
	}

	var wg sync.WaitGroup
	for _, e := range emergencies {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(e models.Emergency, ambID string) {
				defer wg.Done()
				a, _ := s.Snapshot().Ambulance(ambID)
				_, _ = s.CommitAssignment(Match{EmergencyID: e.ID, AmbulanceID: ambID, EmergencyVersion: e.Version, AmbulanceVersion: a.Version})
			}(e, fmt.Sprintf("AMB-%d", i))
		}
	}
	wg.Wait()

	snap := s.Snapshot()
	bound := map[string]string{}
	for _, a := range snap.Ambulances() {
		assert.Equal(t, a.Status == models.AmbulanceAvailable, a.AssignedEmergency == "", a.ID)
		if a.AssignedEmergency != "" {
			e, _ := snap.Emergency(a.AssignedEmergency)
			assert.Equal(t, a.ID, e.AssignedAmbulance)
			bound[a.AssignedEmergency] = a.ID
		}
	}
	for _, e := range snap.Emergencies() {
		assert.Equal(t, e.Status.Engaged(), e.AssignedAmbulance != "", e.ID)
	}
	assert.Len(t, snap.Assignments(), len(bound))
}

func TestSubscribeSeesEveryCommit(t *testing.T) {
	s, _, _ := newTestStore(t)
	var versions []uint64
	s.Subscribe(func(snap *Snapshot, deltas []models.StateDelta) {
		versions = append(versions, snap.Version)
		for _, d := range deltas {
			assert.Equal(t, snap.Version, d.NewVersion)
		}
	})

	seedAmbulance(t, s, "AMB-1", models.CapabilityBasic)
	seedEmergency(t, s, models.PriorityLow)

	assert.Equal(t, []uint64{1, 2}, versions)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
