package store

import (
	"slices"
	"sort"
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Snapshot is an immutable point-in-time view of the store. Its maps are
// never written after the snapshot is published; accessors hand out copies.
type Snapshot struct {
	Version uint64
	TakenAt time.Time

	ambulances  map[string]models.Ambulance
	emergencies map[string]models.Emergency
	hospitals   map[string]models.Hospital
	assignments map[string]models.Assignment
}

func emptySnapshot(now time.Time) *Snapshot {
	return &Snapshot{
		TakenAt:     now,
		ambulances:  map[string]models.Ambulance{},
		emergencies: map[string]models.Emergency{},
		hospitals:   map[string]models.Hospital{},
		assignments: map[string]models.Assignment{},
	}
}

// Ambulance returns the ambulance with the given id.
func (s *Snapshot) Ambulance(id string) (models.Ambulance, bool) {
	a, ok := s.ambulances[id]
	return a, ok
}

// Emergency returns the emergency with the given id.
func (s *Snapshot) Emergency(id string) (models.Emergency, bool) {
	e, ok := s.emergencies[id]
	return e, ok
}

// Hospital returns the hospital with the given id.
func (s *Snapshot) Hospital(id string) (models.Hospital, bool) {
	h, ok := s.hospitals[id]
	if ok {
		h.Specialties = slices.Clone(h.Specialties)
	}
	return h, ok
}

// Assignment returns the active assignment of an emergency.
func (s *Snapshot) Assignment(emergencyID string) (models.Assignment, bool) {
	a, ok := s.assignments[emergencyID]
	return a, ok
}

// Ambulances returns all ambulances ordered by id.
func (s *Snapshot) Ambulances() []models.Ambulance {
	out := make([]models.Ambulance, 0, len(s.ambulances))
	for _, a := range s.ambulances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Emergencies returns all emergencies ordered by id.
func (s *Snapshot) Emergencies() []models.Emergency {
	out := make([]models.Emergency, 0, len(s.emergencies))
	for _, e := range s.emergencies {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hospitals returns all hospitals ordered by id.
func (s *Snapshot) Hospitals() []models.Hospital {
	out := make([]models.Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		h.Specialties = slices.Clone(h.Specialties)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assignments returns the active assignments ordered by emergency id.
func (s *Snapshot) Assignments() []models.Assignment {
	out := make([]models.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmergencyID < out[j].EmergencyID })
	return out
}

// PendingEmergencies returns emergencies waiting for a unit.
func (s *Snapshot) PendingEmergencies() []models.Emergency {
	var out []models.Emergency
	for _, e := range s.Emergencies() {
		if e.Status == models.EmergencyPending {
			out = append(out, e)
		}
	}
	return out
}

// AvailableAmbulances returns units free to be dispatched.
func (s *Snapshot) AvailableAmbulances() []models.Ambulance {
	var out []models.Ambulance
	for _, a := range s.Ambulances() {
		if a.Status == models.AmbulanceAvailable && a.AssignedEmergency == "" {
			out = append(out, a)
		}
	}
	return out
}
