package store

import (
	"slices"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// The diff helpers report new values keyed by their JSON field name. A
// created record reports every populated field.

func diffAmbulance(old, cur models.Ambulance, existed bool) map[string]any {
	out := map[string]any{}
	if !existed || old.Crew != cur.Crew {
		out["crew"] = cur.Crew
	}
	if !existed || old.Capability != cur.Capability {
		out["capability"] = cur.Capability
	}
	if !existed || old.Location != cur.Location {
		out["location"] = cur.Location
	}
	if !existed || old.Status != cur.Status {
		out["status"] = cur.Status
	}
	if old.AssignedEmergency != cur.AssignedEmergency {
		out["assigned_emergency"] = cur.AssignedEmergency
	}
	if old.Destination != cur.Destination {
		out["destination"] = cur.Destination
	}
	if !existed || !old.LastUpdate.Equal(cur.LastUpdate) {
		out["last_update"] = cur.LastUpdate
	}
	return out
}

func diffEmergency(old, cur models.Emergency, existed bool) map[string]any {
	out := map[string]any{}
	if !existed || old.Priority != cur.Priority {
		out["priority"] = cur.Priority
	}
	if !existed || old.Location != cur.Location {
		out["location"] = cur.Location
	}
	if old.Address != cur.Address {
		out["address"] = cur.Address
	}
	if !existed || !old.ReceivedAt.Equal(cur.ReceivedAt) {
		out["received_at"] = cur.ReceivedAt
	}
	if old.Description != cur.Description {
		out["description"] = cur.Description
	}
	if old.Patient != cur.Patient {
		out["patient"] = cur.Patient
	}
	if !existed || old.Status != cur.Status {
		out["status"] = cur.Status
	}
	if old.AssignedAmbulance != cur.AssignedAmbulance {
		out["assigned_ambulance"] = cur.AssignedAmbulance
	}
	if old.Destination != cur.Destination {
		out["destination"] = cur.Destination
	}
	if old.HandledBy != cur.HandledBy {
		out["handled_by"] = cur.HandledBy
	}
	return out
}

func diffHospital(old, cur models.Hospital, existed bool) map[string]any {
	out := map[string]any{}
	if old.Name != cur.Name {
		out["name"] = cur.Name
	}
	if !existed || old.Location != cur.Location {
		out["location"] = cur.Location
	}
	if !existed || old.ERStatus != cur.ERStatus {
		out["er_status"] = cur.ERStatus
	}
	if !existed || old.Capacity != cur.Capacity {
		out["capacity"] = cur.Capacity
	}
	if !existed || old.Occupancy != cur.Occupancy {
		out["occupancy"] = cur.Occupancy
	}
	if !slices.Equal(old.Specialties, cur.Specialties) {
		out["specialties"] = slices.Clone(cur.Specialties)
	}
	if !existed || !old.LastUpdate.Equal(cur.LastUpdate) {
		out["last_update"] = cur.LastUpdate
	}
	return out
}

func diffAssignment(old, cur models.Assignment, existed bool) map[string]any {
	out := map[string]any{}
	if !existed || old.AmbulanceID != cur.AmbulanceID {
		out["ambulance_id"] = cur.AmbulanceID
	}
	if !existed || old.HospitalID != cur.HospitalID {
		out["hospital_id"] = cur.HospitalID
	}
	if !existed || old.ETAMinutes != cur.ETAMinutes {
		out["eta_minutes"] = cur.ETAMinutes
	}
	return out
}
