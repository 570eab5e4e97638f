// Package lifecycle holds the transition tables for ambulance and emergency
// status. Every status change in the store is checked here first.
package lifecycle

import (
	"fmt"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Trigger identifies who is driving a transition.
type Trigger uint8

const (
	// TriggerField is an update reported by a unit, hospital or operator.
	TriggerField Trigger = 1 << iota
	// TriggerEngine is a committed assignment.
	TriggerEngine
	// TriggerReturnToService is the explicit exit from out of service.
	TriggerReturnToService
	// TriggerRelease stands a unit down after its emergency was cancelled.
	TriggerRelease
	// TriggerRequeue sends an emergency back to the queue after its unit was lost.
	TriggerRequeue
)

func (t Trigger) String() string {
	switch t {
	case TriggerField:
		return "field"
	case TriggerEngine:
		return "engine"
	case TriggerReturnToService:
		return "return_to_service"
	case TriggerRelease:
		return "release"
	case TriggerRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
}

// IllegalTransitionError is returned when a status change is not in the table.
type IllegalTransitionError struct {
	Kind    models.EntityKind
	ID      string
	From    string
	To      string
	Trigger Trigger
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal %s transition %s -> %s by %s", e.Kind, e.From, e.To, e.Trigger)
	if e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Kind, e.ID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

type ambulanceEdge struct{ from, to models.AmbulanceStatus }

type emergencyEdge struct{ from, to models.EmergencyStatus }

var ambulanceTable = map[ambulanceEdge]Trigger{
	{models.AmbulanceAvailable, models.AmbulanceDispatched}:    TriggerEngine,
	{models.AmbulanceDispatched, models.AmbulanceTransporting}: TriggerField,
	{models.AmbulanceTransporting, models.AmbulanceAtHospital}: TriggerField,
	{models.AmbulanceAtHospital, models.AmbulanceAvailable}:    TriggerField | TriggerRelease,
	{models.AmbulanceDispatched, models.AmbulanceAvailable}:    TriggerRelease,
	{models.AmbulanceTransporting, models.AmbulanceAvailable}:  TriggerRelease,

	{models.AmbulanceAvailable, models.AmbulanceOutOfService}:    TriggerField,
	{models.AmbulanceDispatched, models.AmbulanceOutOfService}:   TriggerField,
	{models.AmbulanceTransporting, models.AmbulanceOutOfService}: TriggerField,
	{models.AmbulanceAtHospital, models.AmbulanceOutOfService}:   TriggerField,
	{models.AmbulanceOutOfService, models.AmbulanceAvailable}:    TriggerReturnToService,
}

var emergencyTable = map[emergencyEdge]Trigger{
	{models.EmergencyPending, models.EmergencyAssigned}:    TriggerEngine,
	{models.EmergencyAssigned, models.EmergencyEnRoute}:    TriggerField,
	{models.EmergencyEnRoute, models.EmergencyAtHospital}:  TriggerField,
	{models.EmergencyAtHospital, models.EmergencyResolved}: TriggerField,

	{models.EmergencyPending, models.EmergencyCancelled}:    TriggerField,
	{models.EmergencyAssigned, models.EmergencyCancelled}:   TriggerField,
	{models.EmergencyEnRoute, models.EmergencyCancelled}:    TriggerField,
	{models.EmergencyAtHospital, models.EmergencyCancelled}: TriggerField,

	{models.EmergencyAssigned, models.EmergencyPending}: TriggerRequeue,
	{models.EmergencyEnRoute, models.EmergencyPending}:  TriggerRequeue,
}

// CheckAmbulance validates an ambulance status change.
func CheckAmbulance(from, to models.AmbulanceStatus, by Trigger) error {
	if !models.IsValidAmbulanceStatus(to) {
		return &IllegalTransitionError{Kind: models.KindAmbulance, From: string(from), To: string(to), Trigger: by, Reason: "unknown status"}
	}
	allowed, ok := ambulanceTable[ambulanceEdge{from, to}]
	if !ok || allowed&by == 0 {
		err := &IllegalTransitionError{Kind: models.KindAmbulance, From: string(from), To: string(to), Trigger: by}
		if from == models.AmbulanceOutOfService && to == models.AmbulanceAvailable {
			err.Reason = "requires return to service"
		}
		return err
	}
	return nil
}

// CheckEmergency validates an emergency status change.
func CheckEmergency(from, to models.EmergencyStatus, by Trigger) error {
	if !models.IsValidEmergencyStatus(to) {
		return &IllegalTransitionError{Kind: models.KindEmergency, From: string(from), To: string(to), Trigger: by, Reason: "unknown status"}
	}
	if from.Terminal() {
		return &IllegalTransitionError{Kind: models.KindEmergency, From: string(from), To: string(to), Trigger: by, Reason: "emergency is closed"}
	}
	allowed, ok := emergencyTable[emergencyEdge{from, to}]
	if !ok || allowed&by == 0 {
		return &IllegalTransitionError{Kind: models.KindEmergency, From: string(from), To: string(to), Trigger: by}
	}
	return nil
}

// Follow describes the transition a linked record makes in the same commit.
type Follow[S ~string] struct {
	To      S
	Trigger Trigger
	// Detach clears the ambulance/emergency references on both records.
	Detach bool
}

// EmergencyFollows returns what the assigned emergency does when its
// ambulance moves from -> to.
func EmergencyFollows(from, to models.AmbulanceStatus) (Follow[models.EmergencyStatus], bool) {
	switch {
	case from == models.AmbulanceDispatched && to == models.AmbulanceTransporting:
		return Follow[models.EmergencyStatus]{To: models.EmergencyEnRoute, Trigger: TriggerField}, true
	case from == models.AmbulanceTransporting && to == models.AmbulanceAtHospital:
		return Follow[models.EmergencyStatus]{To: models.EmergencyAtHospital, Trigger: TriggerField}, true
	case from == models.AmbulanceAtHospital && to == models.AmbulanceAvailable:
		return Follow[models.EmergencyStatus]{To: models.EmergencyResolved, Trigger: TriggerField, Detach: true}, true
	case from == models.AmbulanceAtHospital && to == models.AmbulanceOutOfService:
		return Follow[models.EmergencyStatus]{To: models.EmergencyResolved, Trigger: TriggerField, Detach: true}, true
	case (from == models.AmbulanceDispatched || from == models.AmbulanceTransporting) && to == models.AmbulanceOutOfService:
		return Follow[models.EmergencyStatus]{To: models.EmergencyPending, Trigger: TriggerRequeue, Detach: true}, true
	}
	return Follow[models.EmergencyStatus]{}, false
}

// AmbulanceFollows returns what the assigned ambulance does when its
// emergency moves from -> to.
func AmbulanceFollows(from, to models.EmergencyStatus) (Follow[models.AmbulanceStatus], bool) {
	switch {
	case from == models.EmergencyAssigned && to == models.EmergencyEnRoute:
		return Follow[models.AmbulanceStatus]{To: models.AmbulanceTransporting, Trigger: TriggerField}, true
	case from == models.EmergencyEnRoute && to == models.EmergencyAtHospital:
		return Follow[models.AmbulanceStatus]{To: models.AmbulanceAtHospital, Trigger: TriggerField}, true
	case from == models.EmergencyAtHospital && to == models.EmergencyResolved:
		return Follow[models.AmbulanceStatus]{To: models.AmbulanceAvailable, Trigger: TriggerField, Detach: true}, true
	case from.Engaged() && to == models.EmergencyCancelled:
		return Follow[models.AmbulanceStatus]{To: models.AmbulanceAvailable, Trigger: TriggerRelease, Detach: true}, true
	case (from == models.EmergencyAssigned || from == models.EmergencyEnRoute) && to == models.EmergencyPending:
		return Follow[models.AmbulanceStatus]{To: models.AmbulanceAvailable, Trigger: TriggerRelease, Detach: true}, true
	}
	return Follow[models.AmbulanceStatus]{}, false
}
