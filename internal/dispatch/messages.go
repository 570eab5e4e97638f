package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// MaxMessageLength bounds a posted dispatch log line, in characters.
const MaxMessageLength = 500

// ErrInvalidMessage wraps every rejected message.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a line posted to the dispatch log.
type Message struct {
	Sender      string
	SenderType  string
	EmergencyID string
	AmbulanceID string
	Text        string
}

// PostMessage publishes m on the bus. The returned event carries the last
// sequence number of the publish. Referenced emergencies and ambulances
// must exist.
func (s *Service) PostMessage(m Message) (events.Event, error) {
	text := strings.TrimSpace(m.Text)
	switch {
	case text == "":
		return events.Event{}, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	case utf8.RuneCountInString(text) > MaxMessageLength:
		return events.Event{}, fmt.Errorf("%w: message is longer than %d characters", ErrInvalidMessage, MaxMessageLength)
	case m.Sender == "" || m.SenderType == "":
		return events.Event{}, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	snap := s.Store.Snapshot()
	if m.EmergencyID != "" {
		if _, ok := snap.Emergency(m.EmergencyID); !ok {
			return events.Event{}, fmt.Errorf("emergency %s: %w", m.EmergencyID, store.ErrNotFound)
		}
	}
	if m.AmbulanceID != "" {
		if _, ok := snap.Ambulance(m.AmbulanceID); !ok {
			return events.Event{}, fmt.Errorf("ambulance %s: %w", m.AmbulanceID, store.ErrNotFound)
		}
	}
	ev := events.NoteEvent(events.Note{
		EmergencyID: m.EmergencyID,
		AmbulanceID: m.AmbulanceID,
		Sender:      m.Sender,
		SenderType:  m.SenderType,
		Message:     text,
	})
	ev.Timestamp = s.clock.Now()
	ev.Seq = s.Bus.Publish(ev)
	s.logger.WithFields(log.Fields{"sender": m.Sender, "seq": ev.Seq}).Debug("Message posted")
	return ev, nil
}

// ReportTraffic records a traffic zone, logs it to the dispatch feed and
// asks the engine for a pass so active ETAs are re-estimated.
func (s *Service) ReportTraffic(z eta.Zone, ttl time.Duration) (eta.Zone, error) {
	z, err := s.Traffic.Report(z, ttl)
	if err != nil {
		return eta.Zone{}, err
	}
	msg := fmt.Sprintf("Traffic %s on %s.", z.Level, z.Name)
	if z.Level == eta.LevelHeavy {
		msg = fmt.Sprintf("Heavy traffic on %s affecting ETA.", z.Name)
	}
	s.Bus.Publish(events.NoteEvent(events.Note{Message: msg}))
	s.logger.WithFields(log.Fields{"zone": z.Name, "level": z.Level}).Info("Traffic reported")
	s.Engine.Trigger()
	return z, nil
}

// ClearTraffic removes a traffic zone.
func (s *Service) ClearTraffic(name string) error {
	if !s.Traffic.Clear(name) {
		return fmt.Errorf("traffic zone %s: %w", name, store.ErrNotFound)
	}
	s.Bus.Publish(events.NoteEvent(events.Note{Message: fmt.Sprintf("Traffic cleared on %s.", name)}))
	s.Engine.Trigger()
	return nil
}

// SenderType returns the dispatch log sender type of a role.
func SenderType(r models.Role) string {
	switch r {
	case models.RoleUnit:
		return events.SenderAmbulance
	case models.RoleHospital:
		return events.SenderHospital
	}
	return events.SenderDispatch
}
