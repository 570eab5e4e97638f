package models

import "time"

// Ping is a location or status report from a unit or a hospital.
// Unset fields leave the stored value unchanged.
type Ping struct {
	EntityID   string           `json:"entity_id"`
	Kind       EntityKind       `json:"kind"`
	Location   *Location        `json:"location,omitempty"`
	Status     *AmbulanceStatus `json:"status,omitempty"`
	ERStatus   *ERStatus        `json:"er_status,omitempty"`
	Occupancy  *int             `json:"occupancy,omitempty"`
	Capacity   *int             `json:"capacity,omitempty"`
	ReportedAt time.Time        `json:"reported_at,omitempty"`
}
