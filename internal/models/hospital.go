package models

import "time"

// ERStatus is the emergency room status reported by a hospital.
type ERStatus string

const (
	ERAvailable ERStatus = "available"
	ERBusy      ERStatus = "busy"
	ERCritical  ERStatus = "critical"
)

// IsValidERStatus checks if an ER status is known
func IsValidERStatus(s ERStatus) bool {
	switch s {
	case ERAvailable, ERBusy, ERCritical:
		return true
	default:
		return false
	}
}

// Hospital represents a receiving facility.
type Hospital struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Location    Location  `bson:"location" json:"location"`
	ERStatus    ERStatus  `bson:"er_status" json:"er_status"`
	Capacity    int       `bson:"capacity" json:"capacity"`
	Occupancy   int       `bson:"occupancy" json:"occupancy"`
	Specialties []string  `bson:"specialties,omitempty" json:"specialties,omitempty"`
	LastUpdate  time.Time `bson:"last_update" json:"last_update"`
	Version     uint64    `bson:"version" json:"version"`
}

// Load returns occupancy as a fraction of capacity. A hospital without
// beds is treated as full.
func (h Hospital) Load() float64 {
	if h.Capacity <= 0 {
		return 1
	}
	return float64(h.Occupancy) / float64(h.Capacity)
}

// HasFreeBed reports whether occupancy is below capacity.
func (h Hospital) HasFreeBed() bool {
	return h.Occupancy < h.Capacity
}
