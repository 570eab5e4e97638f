// Package events fans committed state out to subscribers in one total order.
package events

import (
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Type names the payload carried by an Event.
type Type string

const (
	TypeStateDelta          Type = "state_delta"
	TypeAlertRaised         Type = "alert_raised"
	TypeAlertCleared        Type = "alert_cleared"
	TypeAssignmentCommitted Type = "assignment_committed"
	TypeSubscriberDropped   Type = "subscriber_dropped"
	TypeDispatchNote        Type = "dispatch_note"
)

// Event is one item in the bus order. Exactly one payload field is set.
type Event struct {
	Seq       uint64    `bson:"seq" json:"seq"`
	Type      Type      `bson:"type" json:"type"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`

	Delta      *models.StateDelta          `bson:"delta,omitempty" json:"delta,omitempty"`
	Alert      *models.Alert               `bson:"alert,omitempty" json:"alert,omitempty"`
	Assignment *models.AssignmentCommitted `bson:"assignment,omitempty" json:"assignment,omitempty"`
	Dropped    *Dropped                    `bson:"dropped,omitempty" json:"dropped,omitempty"`
	Note       *Note                       `bson:"note,omitempty" json:"note,omitempty"`
}

// Dropped tells the remaining subscribers that one of them was cut off.
type Dropped struct {
	SubscriberID string `bson:"subscriber_id" json:"subscriber_id"`
	Name         string `bson:"name" json:"name"`
	Reason       string `bson:"reason" json:"reason"`
}

// Sender types of dispatch log lines. System notes leave the sender empty.
const (
	SenderDispatch  = "dispatch"
	SenderAmbulance = "ambulance"
	SenderHospital  = "hospital"
)

// Note is a human-readable dispatch log line, either generated by the core
// or posted by an operator, crew or ER desk.
type Note struct {
	EmergencyID string `bson:"emergency_id,omitempty" json:"emergency_id,omitempty"`
	AmbulanceID string `bson:"ambulance_id,omitempty" json:"ambulance_id,omitempty"`
	Sender      string `bson:"sender,omitempty" json:"sender,omitempty"`
	SenderType  string `bson:"sender_type,omitempty" json:"sender_type,omitempty"`
	Message     string `bson:"message" json:"message"`
}

// DeltaEvent wraps a state delta.
func DeltaEvent(d models.StateDelta) Event {
	return Event{Type: TypeStateDelta, Delta: &d}
}

// AlertRaisedEvent wraps a raised or escalated alert.
func AlertRaisedEvent(a models.Alert) Event {
	return Event{Type: TypeAlertRaised, Alert: &a}
}

// AlertClearedEvent wraps a cleared alert.
func AlertClearedEvent(a models.Alert) Event {
	return Event{Type: TypeAlertCleared, Alert: &a}
}

// AssignmentEvent wraps a committed assignment.
func AssignmentEvent(a models.AssignmentCommitted) Event {
	return Event{Type: TypeAssignmentCommitted, Assignment: &a}
}

// NoteEvent wraps a dispatch log line.
func NoteEvent(n Note) Event {
	return Event{Type: TypeDispatchNote, Note: &n}
}
