package eta

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// ErrInvalidZone wraps every rejected traffic report.
var ErrInvalidZone = errors.New("invalid traffic zone")

// Level is a reported traffic condition.
type Level string

const (
	LevelFree     Level = "free"
	LevelModerate Level = "moderate"
	LevelHeavy    Level = "heavy"
)

// Traffic returns the travel-time factor of the level.
func (l Level) Traffic() (Traffic, bool) {
	switch l {
	case LevelFree:
		return TrafficFree, true
	case LevelModerate:
		return TrafficModerate, true
	case LevelHeavy:
		return TrafficHeavy, true
	}
	return 0, false
}

// ParseLevel converts a level name to its factor.
func ParseLevel(s string) (Traffic, error) {
	t, ok := Level(s).Traffic()
	if !ok {
		return 0, fmt.Errorf("unknown traffic level %q", s)
	}
	return t, nil
}

// Zone is a circular area with a reported traffic level.
type Zone struct {
	Name       string          `json:"name"`
	Center     models.Location `json:"center"`
	RadiusKm   float64         `json:"radius_km"`
	Level      Level           `json:"level"`
	ReportedAt time.Time       `json:"reported_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
}

func (z Zone) covers(l models.Location) bool {
	return z.Center.DistanceKm(l) <= z.RadiusKm
}

func (z Zone) active(now time.Time) bool {
	return z.ExpiresAt.IsZero() || now.Before(z.ExpiresAt)
}

// TrafficMap holds the live traffic zones and answers the factor for a
// trip. Trips outside every zone get the base factor.
type TrafficMap struct {
	mu    sync.RWMutex
	zones map[string]Zone
	base  Traffic
	clock clockz.Clock
}

// NewTrafficMap creates an empty map. A nil clock means the real clock.
func NewTrafficMap(base Traffic, clock clockz.Clock) *TrafficMap {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &TrafficMap{zones: map[string]Zone{}, base: base, clock: clock}
}

// Report adds or replaces the zone with z's name. A positive ttl sets the
// expiry.
func (m *TrafficMap) Report(z Zone, ttl time.Duration) (Zone, error) {
	switch {
	case z.Name == "":
		return Zone{}, fmt.Errorf("%w: name is required", ErrInvalidZone)
	case !z.Center.Valid() || z.Center.IsZero():
		return Zone{}, fmt.Errorf("%w: center is out of range", ErrInvalidZone)
	case z.RadiusKm <= 0:
		return Zone{}, fmt.Errorf("%w: radius_km must be positive", ErrInvalidZone)
	}
	if _, ok := z.Level.Traffic(); !ok {
		return Zone{}, fmt.Errorf("%w: unknown level %q", ErrInvalidZone, z.Level)
	}
	now := m.clock.Now()
	z.ReportedAt = now
	z.ExpiresAt = time.Time{}
	if ttl > 0 {
		z.ExpiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.zones[z.Name] = z
	m.mu.Unlock()
	return z, nil
}

// Clear removes a zone and reports whether it was present.
func (m *TrafficMap) Clear(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.zones[name]
	delete(m.zones, name)
	return ok
}

// Zones returns the unexpired zones ordered by name.
func (m *TrafficMap) Zones() []Zone {
	now := m.clock.Now()
	m.mu.RLock()
	out := make([]Zone, 0, len(m.zones))
	for _, z := range m.zones {
		if z.active(now) {
			out = append(out, z)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Traffic returns the worst factor among the zones covering either end of
// the trip or its midpoint.
func (m *TrafficMap) Traffic(from, to models.Location) Traffic {
	mid := models.Location{Lat: (from.Lat + to.Lat) / 2, Lon: (from.Lon + to.Lon) / 2}
	now := m.clock.Now()
	worst := m.base
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, z := range m.zones {
		if !z.active(now) || !(z.covers(from) || z.covers(to) || z.covers(mid)) {
			continue
		}
		if t, _ := z.Level.Traffic(); t > worst {
			worst = t
		}
	}
	return worst
}
