package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/lifecycle"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// AmbulancePatch carries the fields of an ambulance upsert. Nil fields are
// left unchanged. Assignment references are never patched directly.
type AmbulancePatch struct {
	Crew       *string
	Capability *models.Capability
	Location   *models.Location
	Status     *models.AmbulanceStatus
	ReportedAt *time.Time
}

// EmergencyPatch carries the fields of an emergency upsert.
type EmergencyPatch struct {
	Priority    *models.Priority
	Location    *models.Location
	Address     *string
	Description *string
	Patient     *models.PatientRecord
	Status      *models.EmergencyStatus
	ReceivedAt  *time.Time
}

// HospitalPatch carries the fields of a hospital upsert. A nil Specialties
// slice leaves the set unchanged.
type HospitalPatch struct {
	Name        *string
	Location    *models.Location
	ERStatus    *models.ERStatus
	Capacity    *int
	Occupancy   *int
	Specialties []string
	ReportedAt  *time.Time
}

// Match is a proposed assignment together with the entity versions it was
// computed against.
type Match struct {
	EmergencyID      string
	AmbulanceID      string
	HospitalID       string
	ETAMinutes       float64
	EmergencyVersion uint64
	AmbulanceVersion uint64
}

// UpsertAmbulance creates (expected == 0) or updates an ambulance.
func (s *Store) UpsertAmbulance(id string, p AmbulancePatch, expected uint64) (models.Ambulance, error) {
	snap, err := s.apply("ambulance_update", func(tx *txn) error {
		cur, exists := tx.ambulance(id)
		if err := checkVersion(models.KindAmbulance, id, exists, cur.Version, expected); err != nil {
			return err
		}
		if !exists {
			cur = models.Ambulance{ID: id, Status: models.AmbulanceAvailable}
		}
		if p.Crew != nil {
			cur.Crew = *p.Crew
		}
		if p.Capability != nil {
			cur.Capability = *p.Capability
		}
		if p.Location != nil {
			cur.Location = *p.Location
		}
		cur.LastUpdate = tx.now
		if p.ReportedAt != nil && !p.ReportedAt.IsZero() {
			cur.LastUpdate = *p.ReportedAt
		}
		if err := validateAmbulance(cur, exists, p.Location != nil); err != nil {
			return err
		}
		if p.Status != nil && *p.Status != cur.Status {
			if !exists {
				if *p.Status != models.AmbulanceOutOfService {
					return &ValidationError{Kind: models.KindAmbulance, ID: id, Field: "status", Reason: "new units start available or out of service"}
				}
				cur.Status = *p.Status
			} else if err := tx.moveAmbulance(&cur, *p.Status, lifecycle.TriggerField); err != nil {
				return err
			}
		}
		tx.putAmbulance(cur)
		return nil
	})
	if err != nil {
		return models.Ambulance{}, err
	}
	a, _ := snap.Ambulance(id)
	return a, nil
}

func validateAmbulance(a models.Ambulance, exists, locationSet bool) error {
	if a.ID == "" {
		return &ValidationError{Kind: models.KindAmbulance, Field: "id", Reason: "is required"}
	}
	if !models.IsValidCapability(a.Capability) {
		return &ValidationError{Kind: models.KindAmbulance, ID: a.ID, Field: "capability", Reason: fmt.Sprintf("unknown class %q", a.Capability)}
	}
	if !exists && !locationSet {
		return &ValidationError{Kind: models.KindAmbulance, ID: a.ID, Field: "location", Reason: "is required"}
	}
	if !a.Location.Valid() {
		return &ValidationError{Kind: models.KindAmbulance, ID: a.ID, Field: "location", Reason: "is out of range"}
	}
	return nil
}

// ReturnToService moves an out-of-service ambulance back to available.
func (s *Store) ReturnToService(id string, expected uint64) (models.Ambulance, error) {
	snap, err := s.apply("return_to_service", func(tx *txn) error {
		cur, exists := tx.ambulance(id)
		if !exists {
			return notFound(models.KindAmbulance, id)
		}
		if err := checkVersion(models.KindAmbulance, id, exists, cur.Version, expected); err != nil {
			return err
		}
		if err := tx.moveAmbulance(&cur, models.AmbulanceAvailable, lifecycle.TriggerReturnToService); err != nil {
			return err
		}
		cur.LastUpdate = tx.now
		tx.putAmbulance(cur)
		return nil
	})
	if err != nil {
		return models.Ambulance{}, err
	}
	a, _ := snap.Ambulance(id)
	return a, nil
}

// CreateEmergency records a new call as pending.
func (s *Store) CreateEmergency(in models.Intake) (models.Emergency, error) {
	id := s.newID()
	p := EmergencyPatch{
		Priority:    &in.Priority,
		Location:    &in.Location,
		Address:     &in.Address,
		Description: &in.Description,
		Patient:     &in.Patient,
	}
	if !in.ReceivedAt.IsZero() {
		p.ReceivedAt = &in.ReceivedAt
	}
	return s.upsertEmergency(id, p, 0, "intake")
}

// UpsertEmergency creates (expected == 0) or updates an emergency. Priority
// may only be escalated here; see DowngradePriority.
func (s *Store) UpsertEmergency(id string, p EmergencyPatch, expected uint64) (models.Emergency, error) {
	return s.upsertEmergency(id, p, expected, "emergency_update")
}

func (s *Store) upsertEmergency(id string, p EmergencyPatch, expected uint64, cause string) (models.Emergency, error) {
	snap, err := s.apply(cause, func(tx *txn) error {
		cur, exists := tx.emergency(id)
		if err := checkVersion(models.KindEmergency, id, exists, cur.Version, expected); err != nil {
			return err
		}
		if exists && cur.Status.Terminal() {
			return &lifecycle.IllegalTransitionError{
				Kind: models.KindEmergency, ID: id, From: string(cur.Status), To: string(cur.Status),
				Trigger: lifecycle.TriggerField, Reason: "emergency is closed",
			}
		}
		if !exists {
			cur = models.Emergency{ID: id, Status: models.EmergencyPending, ReceivedAt: tx.now}
		}
		if p.Priority != nil {
			if exists && p.Priority.Rank() < cur.Priority.Rank() {
				return &lifecycle.IllegalTransitionError{
					Kind: models.KindEmergency, ID: id, From: string(cur.Priority), To: string(*p.Priority),
					Trigger: lifecycle.TriggerField, Reason: "priority downgrade requires an operator action",
				}
			}
			cur.Priority = *p.Priority
		}
		if p.Location != nil {
			cur.Location = *p.Location
		}
		if p.Address != nil {
			cur.Address = *p.Address
		}
		if p.Description != nil {
			cur.Description = *p.Description
		}
		if p.Patient != nil {
			cur.Patient = *p.Patient
		}
		if p.ReceivedAt != nil && !exists {
			cur.ReceivedAt = *p.ReceivedAt
		}
		if err := validateEmergency(cur, exists, p.Location != nil); err != nil {
			return err
		}
		if p.Status != nil && *p.Status != cur.Status {
			if !exists {
				return &ValidationError{Kind: models.KindEmergency, ID: id, Field: "status", Reason: "new emergencies start pending"}
			}
			if err := tx.moveEmergency(&cur, *p.Status, lifecycle.TriggerField); err != nil {
				return err
			}
		}
		if exists && p.Priority != nil {
			if err := tx.requeueIfOutclassed(&cur); err != nil {
				return err
			}
		}
		tx.putEmergency(cur)
		return nil
	})
	if err != nil {
		return models.Emergency{}, err
	}
	e, _ := snap.Emergency(id)
	return e, nil
}

// requeueIfOutclassed sends an escalated emergency back to the queue when
// its unit no longer satisfies the priority and a unit that does is
// available. Units already at hospital keep their patient.
func (tx *txn) requeueIfOutclassed(e *models.Emergency) error {
	if e.AssignedAmbulance == "" || (e.Status != models.EmergencyAssigned && e.Status != models.EmergencyEnRoute) {
		return nil
	}
	amb, ok := tx.ambulance(e.AssignedAmbulance)
	if !ok || amb.Capability.Satisfies(e.Priority) {
		return nil
	}
	for _, a := range tx.next.ambulances {
		if a.Status == models.AmbulanceAvailable && a.AssignedEmergency == "" && a.Capability.Satisfies(e.Priority) {
			return tx.moveEmergency(e, models.EmergencyPending, lifecycle.TriggerRequeue)
		}
	}
	return nil
}

func validateEmergency(e models.Emergency, exists, locationSet bool) error {
	if e.ID == "" {
		return &ValidationError{Kind: models.KindEmergency, Field: "id", Reason: "is required"}
	}
	if !models.IsValidPriority(e.Priority) {
		return &ValidationError{Kind: models.KindEmergency, ID: e.ID, Field: "priority", Reason: fmt.Sprintf("unknown priority %q", e.Priority)}
	}
	if !exists && !locationSet {
		return &ValidationError{Kind: models.KindEmergency, ID: e.ID, Field: "location", Reason: "is required"}
	}
	if !e.Location.Valid() {
		return &ValidationError{Kind: models.KindEmergency, ID: e.ID, Field: "location", Reason: "is out of range"}
	}
	return nil
}

// DowngradePriority lowers the priority of an open emergency. It is the
// only way to do so and the reason is recorded on the delta.
func (s *Store) DowngradePriority(id string, expected uint64, to models.Priority, reason string) (models.Emergency, error) {
	snap, err := s.apply("priority_downgrade: "+reason, func(tx *txn) error {
		cur, exists := tx.emergency(id)
		if !exists {
			return notFound(models.KindEmergency, id)
		}
		if err := checkVersion(models.KindEmergency, id, exists, cur.Version, expected); err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return &lifecycle.IllegalTransitionError{
				Kind: models.KindEmergency, ID: id, From: string(cur.Status), To: string(cur.Status),
				Trigger: lifecycle.TriggerField, Reason: "emergency is closed",
			}
		}
		if !models.IsValidPriority(to) || to.Rank() >= cur.Priority.Rank() {
			return &ValidationError{Kind: models.KindEmergency, ID: id, Field: "priority", Reason: fmt.Sprintf("%q is not below %q", to, cur.Priority)}
		}
		if reason == "" {
			return &ValidationError{Kind: models.KindEmergency, ID: id, Field: "reason", Reason: "is required for a downgrade"}
		}
		cur.Priority = to
		tx.putEmergency(cur)
		return nil
	})
	if err != nil {
		return models.Emergency{}, err
	}
	e, _ := snap.Emergency(id)
	return e, nil
}

// UpsertHospital creates (expected == 0) or updates a hospital.
func (s *Store) UpsertHospital(id string, p HospitalPatch, expected uint64) (models.Hospital, error) {
	snap, err := s.apply("hospital_update", func(tx *txn) error {
		cur, exists := tx.hospital(id)
		if err := checkVersion(models.KindHospital, id, exists, cur.Version, expected); err != nil {
			return err
		}
		if !exists {
			cur = models.Hospital{ID: id, ERStatus: models.ERAvailable}
		}
		if p.Name != nil {
			cur.Name = *p.Name
		}
		if p.Location != nil {
			cur.Location = *p.Location
		}
		if p.ERStatus != nil {
			cur.ERStatus = *p.ERStatus
		}
		if p.Capacity != nil {
			cur.Capacity = *p.Capacity
		}
		if p.Occupancy != nil {
			cur.Occupancy = *p.Occupancy
		}
		if p.Specialties != nil {
			cur.Specialties = slices.Clone(p.Specialties)
		}
		cur.LastUpdate = tx.now
		if p.ReportedAt != nil && !p.ReportedAt.IsZero() {
			cur.LastUpdate = *p.ReportedAt
		}
		if err := validateHospital(cur, exists, p.Location != nil); err != nil {
			return err
		}
		tx.putHospital(cur)
		return nil
	})
	if err != nil {
		return models.Hospital{}, err
	}
	h, _ := snap.Hospital(id)
	return h, nil
}

func validateHospital(h models.Hospital, exists, locationSet bool) error {
	if h.ID == "" {
		return &ValidationError{Kind: models.KindHospital, Field: "id", Reason: "is required"}
	}
	if !models.IsValidERStatus(h.ERStatus) {
		return &ValidationError{Kind: models.KindHospital, ID: h.ID, Field: "er_status", Reason: fmt.Sprintf("unknown status %q", h.ERStatus)}
	}
	if h.Capacity < 0 {
		return &ValidationError{Kind: models.KindHospital, ID: h.ID, Field: "capacity", Reason: "must not be negative"}
	}
	if h.Occupancy < 0 || h.Occupancy > h.Capacity {
		return &ValidationError{Kind: models.KindHospital, ID: h.ID, Field: "occupancy", Reason: fmt.Sprintf("%d outside 0..%d", h.Occupancy, h.Capacity)}
	}
	if !exists && !locationSet {
		return &ValidationError{Kind: models.KindHospital, ID: h.ID, Field: "location", Reason: "is required"}
	}
	if !h.Location.Valid() {
		return &ValidationError{Kind: models.KindHospital, ID: h.ID, Field: "location", Reason: "is out of range"}
	}
	return nil
}

// CommitAssignment binds an ambulance to an emergency in one commit. Both
// records must still be at the versions the match was computed against.
func (s *Store) CommitAssignment(m Match) (models.Assignment, error) {
	snap, err := s.apply("assignment", func(tx *txn) error {
		amb, ok := tx.ambulance(m.AmbulanceID)
		if !ok {
			return notFound(models.KindAmbulance, m.AmbulanceID)
		}
		if err := checkVersion(models.KindAmbulance, amb.ID, true, amb.Version, m.AmbulanceVersion); err != nil {
			return err
		}
		em, ok := tx.emergency(m.EmergencyID)
		if !ok {
			return notFound(models.KindEmergency, m.EmergencyID)
		}
		if err := checkVersion(models.KindEmergency, em.ID, true, em.Version, m.EmergencyVersion); err != nil {
			return err
		}
		if m.HospitalID != "" {
			if _, ok := tx.hospital(m.HospitalID); !ok {
				return notFound(models.KindHospital, m.HospitalID)
			}
		}
		if !amb.Capability.Satisfies(em.Priority) {
			return &lifecycle.IllegalTransitionError{
				Kind: models.KindAmbulance, ID: amb.ID, From: string(amb.Status), To: string(models.AmbulanceDispatched),
				Trigger: lifecycle.TriggerEngine, Reason: fmt.Sprintf("%s unit cannot serve %s emergency", amb.Capability, em.Priority),
			}
		}
		if amb.AssignedEmergency != "" || em.AssignedAmbulance != "" {
			return &lifecycle.IllegalTransitionError{
				Kind: models.KindEmergency, ID: em.ID, From: string(em.Status), To: string(models.EmergencyAssigned),
				Trigger: lifecycle.TriggerEngine, Reason: "already assigned",
			}
		}
		if err := tx.moveAmbulance(&amb, models.AmbulanceDispatched, lifecycle.TriggerEngine); err != nil {
			return err
		}
		if err := tx.moveEmergency(&em, models.EmergencyAssigned, lifecycle.TriggerEngine); err != nil {
			return err
		}
		amb.AssignedEmergency = em.ID
		amb.Destination = m.HospitalID
		em.AssignedAmbulance = amb.ID
		em.Destination = m.HospitalID
		tx.putAmbulance(amb)
		tx.putEmergency(em)
		tx.putAssignment(models.Assignment{
			EmergencyID: em.ID,
			AmbulanceID: amb.ID,
			HospitalID:  m.HospitalID,
			ETAMinutes:  m.ETAMinutes,
			CreatedAt:   tx.now,
			UpdatedAt:   tx.now,
		})
		return nil
	})
	if err != nil {
		return models.Assignment{}, err
	}
	a, _ := snap.Assignment(m.EmergencyID)
	return a, nil
}

// RefreshETA updates the ETA of an active assignment. ambulanceVersion is
// the version of the unit whose position the estimate was computed from.
func (s *Store) RefreshETA(emergencyID string, ambulanceVersion uint64, minutes float64) (models.Assignment, error) {
	snap, err := s.apply("eta_refresh", func(tx *txn) error {
		a, ok := tx.next.assignments[emergencyID]
		if !ok {
			return notFound(models.KindAssignment, emergencyID)
		}
		amb, ok := tx.ambulance(a.AmbulanceID)
		if !ok {
			return notFound(models.KindAmbulance, a.AmbulanceID)
		}
		if err := checkVersion(models.KindAmbulance, amb.ID, true, amb.Version, ambulanceVersion); err != nil {
			return err
		}
		a.ETAMinutes = minutes
		a.UpdatedAt = tx.now
		tx.putAssignment(a)
		return nil
	})
	if err != nil {
		return models.Assignment{}, err
	}
	a, _ := snap.Assignment(emergencyID)
	return a, nil
}
