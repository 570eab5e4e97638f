package models

import "time"

// Capability is the clinical class of an ambulance crew and its equipment.
type Capability string

const (
	CapabilityBasic        Capability = "basic"
	CapabilityAdvanced     Capability = "advanced"
	CapabilityCriticalCare Capability = "critical_care"
)

// IsValidCapability checks if a capability class is known
func IsValidCapability(c Capability) bool {
	switch c {
	case CapabilityBasic, CapabilityAdvanced, CapabilityCriticalCare:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a unit of this class may be sent to an
// emergency of the given priority. Critical calls need advanced or
// critical care crews; everything else accepts any class.
func (c Capability) Satisfies(p Priority) bool {
	if p == PriorityCritical {
		return c == CapabilityAdvanced || c == CapabilityCriticalCare
	}
	return IsValidCapability(c)
}

// AmbulanceStatus is the lifecycle state of a unit.
type AmbulanceStatus string

const (
	AmbulanceAvailable    AmbulanceStatus = "available"
	AmbulanceDispatched   AmbulanceStatus = "dispatched"
	AmbulanceTransporting AmbulanceStatus = "transporting"
	AmbulanceAtHospital   AmbulanceStatus = "at_hospital"
	AmbulanceOutOfService AmbulanceStatus = "out_of_service"
)

// IsValidAmbulanceStatus checks if a status belongs to the ambulance lifecycle
func IsValidAmbulanceStatus(s AmbulanceStatus) bool {
	switch s {
	case AmbulanceAvailable, AmbulanceDispatched, AmbulanceTransporting, AmbulanceAtHospital, AmbulanceOutOfService:
		return true
	default:
		return false
	}
}

// Engaged reports whether the status requires an assigned emergency.
func (s AmbulanceStatus) Engaged() bool {
	return s == AmbulanceDispatched || s == AmbulanceTransporting || s == AmbulanceAtHospital
}

// Ambulance represents a unit tracked by the dispatch center.
type Ambulance struct {
	ID                string          `bson:"_id" json:"id"`
	Crew              string          `bson:"crew" json:"crew"`
	Capability        Capability      `bson:"capability" json:"capability"`
	Location          Location        `bson:"location" json:"location"`
	Status            AmbulanceStatus `bson:"status" json:"status"`
	AssignedEmergency string          `bson:"assigned_emergency,omitempty" json:"assigned_emergency,omitempty"`
	Destination       string          `bson:"destination,omitempty" json:"destination,omitempty"`
	LastUpdate        time.Time       `bson:"last_update" json:"last_update"`
	Version           uint64          `bson:"version" json:"version"`
}
