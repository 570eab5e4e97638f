package models

import "time"

// EntityKind names the record type a delta or ping refers to.
type EntityKind string

const (
	KindAmbulance  EntityKind = "ambulance"
	KindEmergency  EntityKind = "emergency"
	KindHospital   EntityKind = "hospital"
	KindAssignment EntityKind = "assignment"
)

// StateDelta describes the fields one committed mutation changed on one
// entity. NewVersion is the store version of the commit; several deltas
// share it when a commit touches linked records.
type StateDelta struct {
	EntityKind    EntityKind     `bson:"entity_kind" json:"entity_kind"`
	EntityID      string         `bson:"entity_id" json:"entity_id"`
	ChangedFields map[string]any `bson:"changed_fields" json:"changed_fields"`
	NewVersion    uint64         `bson:"new_version" json:"new_version"`
	EntityVersion uint64         `bson:"entity_version" json:"entity_version"`
	Created       bool           `bson:"created,omitempty" json:"created,omitempty"`
	Removed       bool           `bson:"removed,omitempty" json:"removed,omitempty"`
	Cause         string         `bson:"cause,omitempty" json:"cause,omitempty"`
	Timestamp     time.Time      `bson:"timestamp" json:"timestamp"`
}

// Changed reports whether the delta touched the named field.
func (d StateDelta) Changed(field string) bool {
	_, ok := d.ChangedFields[field]
	return ok
}
