package models

import "time"

// Assignment binds one emergency to one ambulance and a destination hospital.
type Assignment struct {
	EmergencyID string    `bson:"emergency_id" json:"emergency_id"`
	AmbulanceID string    `bson:"ambulance_id" json:"ambulance_id"`
	HospitalID  string    `bson:"hospital_id,omitempty" json:"hospital_id,omitempty"`
	ETAMinutes  float64   `bson:"eta_minutes" json:"eta_minutes"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// AssignmentCommitted is published once per committed match.
type AssignmentCommitted struct {
	EmergencyID string    `bson:"emergency_id" json:"emergency_id"`
	AmbulanceID string    `bson:"ambulance_id" json:"ambulance_id"`
	HospitalID  string    `bson:"hospital_id,omitempty" json:"hospital_id,omitempty"`
	ETAMinutes  float64   `bson:"eta_minutes" json:"eta_minutes"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
}
