package models

import "time"

// AlertLevel tags an alert with its urgency.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// AlertKind identifies the condition an alert reports.
type AlertKind string

const (
	AlertNoCoverage       AlertKind = "no_coverage"
	AlertDegradedEstimate AlertKind = "degraded_estimate"
	AlertHospitalOverload AlertKind = "hospital_overload"
	AlertStaleUnit        AlertKind = "stale_unit"
)

// Alert is a system condition derived from store state.
type Alert struct {
	Kind      AlertKind  `bson:"kind" json:"kind"`
	Level     AlertLevel `bson:"level" json:"level"`
	SubjectID string     `bson:"subject_id" json:"subject_id"`
	Message   string     `bson:"message" json:"message"`
	FirstSeen time.Time  `bson:"first_seen" json:"first_seen"`
	LastSeen  time.Time  `bson:"last_seen" json:"last_seen"`
}
