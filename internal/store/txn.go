package store

import (
	"fmt"
	"maps"
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/lifecycle"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

type entityRef struct {
	kind models.EntityKind
	id   string
}

// txn stages one commit. Maps are cloned on first write so the base
// snapshot stays untouched until the whole commit is accepted.
type txn struct {
	base *Snapshot
	next Snapshot
	now  time.Time

	ambulancesCopied  bool
	emergenciesCopied bool
	hospitalsCopied   bool
	assignmentsCopied bool

	order   []entityRef
	touched map[entityRef]bool
}

func newTxn(base *Snapshot, now time.Time) *txn {
	return &txn{
		base:    base,
		next:    *base,
		now:     now,
		touched: map[entityRef]bool{},
	}
}

func (tx *txn) touch(kind models.EntityKind, id string) {
	ref := entityRef{kind, id}
	if !tx.touched[ref] {
		tx.touched[ref] = true
		tx.order = append(tx.order, ref)
	}
}

func (tx *txn) ambulance(id string) (models.Ambulance, bool) {
	a, ok := tx.next.ambulances[id]
	return a, ok
}

func (tx *txn) emergency(id string) (models.Emergency, bool) {
	e, ok := tx.next.emergencies[id]
	return e, ok
}

func (tx *txn) hospital(id string) (models.Hospital, bool) {
	h, ok := tx.next.hospitals[id]
	return h, ok
}

func (tx *txn) putAmbulance(a models.Ambulance) {
	if !tx.ambulancesCopied {
		tx.next.ambulances = maps.Clone(tx.base.ambulances)
		tx.ambulancesCopied = true
	}
	tx.next.ambulances[a.ID] = a
	tx.touch(models.KindAmbulance, a.ID)
}

func (tx *txn) putEmergency(e models.Emergency) {
	if !tx.emergenciesCopied {
		tx.next.emergencies = maps.Clone(tx.base.emergencies)
		tx.emergenciesCopied = true
	}
	tx.next.emergencies[e.ID] = e
	tx.touch(models.KindEmergency, e.ID)
}

func (tx *txn) putHospital(h models.Hospital) {
	if !tx.hospitalsCopied {
		tx.next.hospitals = maps.Clone(tx.base.hospitals)
		tx.hospitalsCopied = true
	}
	tx.next.hospitals[h.ID] = h
	tx.touch(models.KindHospital, h.ID)
}

func (tx *txn) copyAssignments() {
	if !tx.assignmentsCopied {
		tx.next.assignments = maps.Clone(tx.base.assignments)
		tx.assignmentsCopied = true
	}
}

func (tx *txn) putAssignment(a models.Assignment) {
	tx.copyAssignments()
	tx.next.assignments[a.EmergencyID] = a
	tx.touch(models.KindAssignment, a.EmergencyID)
}

func (tx *txn) removeAssignment(emergencyID string) {
	if _, ok := tx.next.assignments[emergencyID]; !ok {
		return
	}
	tx.copyAssignments()
	delete(tx.next.assignments, emergencyID)
	tx.touch(models.KindAssignment, emergencyID)
}

// detach clears the binding between an emergency and its ambulance and
// ends their assignment.
func (tx *txn) detach(e *models.Emergency, a *models.Ambulance) {
	e.HandledBy = a.ID
	e.AssignedAmbulance = ""
	a.AssignedEmergency = ""
	a.Destination = ""
	tx.removeAssignment(e.ID)
}

// moveAmbulance applies a status change to a and the linked change to its
// emergency. a is written back by the caller.
func (tx *txn) moveAmbulance(a *models.Ambulance, to models.AmbulanceStatus, by lifecycle.Trigger) error {
	if err := lifecycle.CheckAmbulance(a.Status, to, by); err != nil {
		return withID(err, a.ID)
	}
	from := a.Status
	a.Status = to
	if a.AssignedEmergency == "" {
		return nil
	}
	follow, ok := lifecycle.EmergencyFollows(from, to)
	if !ok {
		return nil
	}
	e, found := tx.emergency(a.AssignedEmergency)
	if !found {
		return fmt.Errorf("ambulance %s references missing emergency %s: %w", a.ID, a.AssignedEmergency, ErrNotFound)
	}
	if err := lifecycle.CheckEmergency(e.Status, follow.To, follow.Trigger); err != nil {
		return withID(err, e.ID)
	}
	e.Status = follow.To
	if follow.Detach {
		tx.detach(&e, a)
	}
	tx.putEmergency(e)
	return nil
}

// moveEmergency applies a status change to e and the linked change to its
// ambulance. e is written back by the caller.
func (tx *txn) moveEmergency(e *models.Emergency, to models.EmergencyStatus, by lifecycle.Trigger) error {
	if err := lifecycle.CheckEmergency(e.Status, to, by); err != nil {
		return withID(err, e.ID)
	}
	from := e.Status
	e.Status = to
	if e.AssignedAmbulance == "" {
		return nil
	}
	follow, ok := lifecycle.AmbulanceFollows(from, to)
	if !ok {
		return nil
	}
	a, found := tx.ambulance(e.AssignedAmbulance)
	if !found {
		return fmt.Errorf("emergency %s references missing ambulance %s: %w", e.ID, e.AssignedAmbulance, ErrNotFound)
	}
	if err := lifecycle.CheckAmbulance(a.Status, follow.To, follow.Trigger); err != nil {
		return withID(err, a.ID)
	}
	a.Status = follow.To
	a.LastUpdate = tx.now
	if follow.Detach {
		tx.detach(e, &a)
	}
	tx.putAmbulance(a)
	return nil
}

func withID(err error, id string) error {
	if ite, ok := err.(*lifecycle.IllegalTransitionError); ok && ite.ID == "" {
		ite.ID = id
	}
	return err
}

// finish bumps entity versions and builds one delta per changed record.
// It returns nil when nothing changed.
func (tx *txn) finish(cause string) (*Snapshot, []models.StateDelta) {
	version := tx.base.Version + 1
	var deltas []models.StateDelta
	for _, ref := range tx.order {
		d := models.StateDelta{
			EntityKind: ref.kind,
			EntityID:   ref.id,
			NewVersion: version,
			Cause:      cause,
			Timestamp:  tx.now,
		}
		switch ref.kind {
		case models.KindAmbulance:
			old, existed := tx.base.ambulances[ref.id]
			cur := tx.next.ambulances[ref.id]
			d.ChangedFields = diffAmbulance(old, cur, existed)
			if len(d.ChangedFields) == 0 {
				continue
			}
			cur.Version = old.Version + 1
			tx.next.ambulances[ref.id] = cur
			d.EntityVersion, d.Created = cur.Version, !existed
		case models.KindEmergency:
			old, existed := tx.base.emergencies[ref.id]
			cur := tx.next.emergencies[ref.id]
			d.ChangedFields = diffEmergency(old, cur, existed)
			if len(d.ChangedFields) == 0 {
				continue
			}
			cur.Version = old.Version + 1
			tx.next.emergencies[ref.id] = cur
			d.EntityVersion, d.Created = cur.Version, !existed
		case models.KindHospital:
			old, existed := tx.base.hospitals[ref.id]
			cur := tx.next.hospitals[ref.id]
			d.ChangedFields = diffHospital(old, cur, existed)
			if len(d.ChangedFields) == 0 {
				continue
			}
			cur.Version = old.Version + 1
			tx.next.hospitals[ref.id] = cur
			d.EntityVersion, d.Created = cur.Version, !existed
		case models.KindAssignment:
			old, existed := tx.base.assignments[ref.id]
			cur, exists := tx.next.assignments[ref.id]
			switch {
			case existed && !exists:
				d.Removed = true
				d.ChangedFields = map[string]any{"ambulance_id": old.AmbulanceID}
			case exists:
				d.ChangedFields = diffAssignment(old, cur, existed)
				d.Created = !existed
			}
			if len(d.ChangedFields) == 0 {
				continue
			}
		}
		deltas = append(deltas, d)
	}
	if len(deltas) == 0 {
		return nil, nil
	}
	tx.next.Version = version
	tx.next.TakenAt = tx.now
	return &tx.next, deltas
}
