package models

import (
	"strings"
	"time"
)

// Priority orders emergencies: critical > high > medium > low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordinal of the priority, higher is more urgent. Unknown
// priorities rank zero.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// IsValidPriority checks if a priority is known
func IsValidPriority(p Priority) bool {
	return p.Rank() > 0
}

// ParsePriority accepts the dashboard spelling ("Critical") as well as the
// wire spelling ("critical").
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	return p, IsValidPriority(p)
}

// EmergencyStatus is the lifecycle state of an emergency.
type EmergencyStatus string

const (
	EmergencyPending    EmergencyStatus = "pending"
	EmergencyAssigned   EmergencyStatus = "assigned"
	EmergencyEnRoute    EmergencyStatus = "en_route"
	EmergencyAtHospital EmergencyStatus = "at_hospital"
	EmergencyResolved   EmergencyStatus = "resolved"
	EmergencyCancelled  EmergencyStatus = "cancelled"
)

// IsValidEmergencyStatus checks if a status belongs to the emergency lifecycle
func IsValidEmergencyStatus(s EmergencyStatus) bool {
	switch s {
	case EmergencyPending, EmergencyAssigned, EmergencyEnRoute, EmergencyAtHospital, EmergencyResolved, EmergencyCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the emergency is closed.
func (s EmergencyStatus) Terminal() bool {
	return s == EmergencyResolved || s == EmergencyCancelled
}

// Engaged reports whether the status requires an assigned ambulance.
func (s EmergencyStatus) Engaged() bool {
	return s == EmergencyAssigned || s == EmergencyEnRoute || s == EmergencyAtHospital
}

// PatientRecord is carried with the emergency and never interpreted by dispatch.
type PatientRecord struct {
	Name     string `bson:"name,omitempty" json:"name,omitempty"`
	Age      int    `bson:"age,omitempty" json:"age,omitempty"`
	Symptoms string `bson:"symptoms,omitempty" json:"symptoms,omitempty"`
	History  string `bson:"history,omitempty" json:"medical_history,omitempty"`
	Vitals   string `bson:"vitals,omitempty" json:"vitals,omitempty"`
}

// Emergency represents an incoming call and its dispatch state.
type Emergency struct {
	ID                string          `bson:"_id" json:"id"`
	Priority          Priority        `bson:"priority" json:"priority"`
	Location          Location        `bson:"location" json:"location"`
	Address           string          `bson:"address,omitempty" json:"address,omitempty"`
	ReceivedAt        time.Time       `bson:"received_at" json:"received_at"`
	Description       string          `bson:"description" json:"description"`
	Patient           PatientRecord   `bson:"patient" json:"patient"`
	Status            EmergencyStatus `bson:"status" json:"status"`
	AssignedAmbulance string          `bson:"assigned_ambulance,omitempty" json:"assigned_ambulance,omitempty"`
	Destination       string          `bson:"destination,omitempty" json:"destination,omitempty"`
	HandledBy         string          `bson:"handled_by,omitempty" json:"handled_by,omitempty"`
	Version           uint64          `bson:"version" json:"version"`
}

// Intake is a new emergency reported by the call center.
type Intake struct {
	Priority    Priority      `json:"priority"`
	Location    Location      `json:"location"`
	Address     string        `json:"address,omitempty"`
	Description string        `json:"description"`
	Patient     PatientRecord `json:"patient"`
	ReceivedAt  time.Time     `json:"received_at,omitempty"`
}
