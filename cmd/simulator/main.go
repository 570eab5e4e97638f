// Command simulator drives a fleet of ambulances around Nairobi. Units
// follow their assignments from the dispatch API, report positions and
// status changes, and an optional ticker files random emergencies.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/telemetry"
)

// arrivalKm is how close a unit must be to count as on scene.
const arrivalKm = 0.05

// Reporter sends unit pings to the dispatch core.
type Reporter interface {
	Ping(p models.Ping) error
}

type mqttReporter struct{ pub *telemetry.Publisher }

func (m mqttReporter) Ping(p models.Ping) error { return m.pub.Publish(p) }

// Unit is the simulator's view of one ambulance.
type Unit struct {
	ID       string
	Base     models.Location
	Position models.Location
	SpeedKmh float64
	Route    *Route

	// status last seen from the API and the change we already reported for it
	status   models.AmbulanceStatus
	reported models.AmbulanceStatus
	dwell    int
}

// View is what a unit needs to know about the world on one tick.
type View struct {
	Ambulance   models.Ambulance
	Emergency   *models.Emergency
	Destination *models.Hospital
}

// DwellTicks is how many ticks a unit spends at hospital before clearing.
var DwellTicks = 3

// Tick moves the unit one interval and returns the ping to report.
func (u *Unit) Tick(v View, router Router, tickSec float64) models.Ping {
	if v.Ambulance.Status != u.status {
		u.status = v.Ambulance.Status
		u.reported = ""
		u.dwell = 0
		u.Route = nil
	}

	var next models.AmbulanceStatus
	switch u.status {
	case models.AmbulanceAvailable:
		if u.Route.Done() {
			u.Route = router.Plan(u.Position, jitterLocation(u.Base, 2000))
		}
	case models.AmbulanceDispatched:
		if v.Emergency != nil {
			next = u.driveTo(v.Emergency.Location, router, models.AmbulanceTransporting)
		}
	case models.AmbulanceTransporting:
		if v.Destination != nil {
			next = u.driveTo(v.Destination.Location, router, models.AmbulanceAtHospital)
		}
	case models.AmbulanceAtHospital:
		u.dwell++
		if u.dwell > DwellTicks {
			next = models.AmbulanceAvailable
		}
	}

	if u.Route != nil && !u.Route.Done() && u.status != models.AmbulanceAtHospital && u.status != models.AmbulanceOutOfService {
		u.Position = step(u.Position, u.Route, u.SpeedKmh, tickSec)
	}

	pos := u.Position
	p := models.Ping{EntityID: u.ID, Kind: models.KindAmbulance, Location: &pos, ReportedAt: time.Now().UTC()}
	if next != "" && next != u.reported {
		u.reported = next
		p.Status = &next
	}
	return p
}

// driveTo routes toward target and returns then once the unit has arrived.
func (u *Unit) driveTo(target models.Location, router Router, then models.AmbulanceStatus) models.AmbulanceStatus {
	if u.Position.DistanceKm(target) <= arrivalKm {
		u.Position = target
		return then
	}
	if u.Route == nil || u.Route.Target() != target {
		u.Route = router.Plan(u.Position, target)
	}
	return ""
}

// World caches the latest API snapshot for all units.
type World struct {
	mu          sync.RWMutex
	ambulances  map[string]models.Ambulance
	emergencies map[string]models.Emergency
	hospitals   map[string]models.Hospital
}

// Refresh pulls a new snapshot.
func (w *World) Refresh(ctx context.Context, api *APIClient) error {
	st, err := api.State(ctx)
	if err != nil {
		return err
	}
	amb := make(map[string]models.Ambulance, len(st.Ambulances))
	for _, a := range st.Ambulances {
		amb[a.ID] = a
	}
	ems := make(map[string]models.Emergency, len(st.Emergencies))
	for _, e := range st.Emergencies {
		ems[e.ID] = e
	}
	hs := make(map[string]models.Hospital, len(st.Hospitals))
	for _, h := range st.Hospitals {
		hs[h.ID] = h
	}
	w.mu.Lock()
	w.ambulances, w.emergencies, w.hospitals = amb, ems, hs
	w.mu.Unlock()
	return nil
}

// View returns the tick view for one unit.
func (w *World) View(id string) (View, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.ambulances[id]
	if !ok {
		return View{}, false
	}
	v := View{Ambulance: a}
	if e, ok := w.emergencies[a.AssignedEmergency]; ok && a.AssignedEmergency != "" {
		v.Emergency = &e
	}
	if h, ok := w.hospitals[a.Destination]; ok && a.Destination != "" {
		v.Destination = &h
	}
	return v, true
}

func simulateUnit(ctx context.Context, u *Unit, world *World, router Router, rep Reporter, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		v, ok := world.View(u.ID)
		if !ok {
			continue
		}
		// small speed noise
		u.SpeedKmh += (rand.Float64()*2 - 1) * 2
		if u.SpeedKmh < 25 {
			u.SpeedKmh = 25
		}
		if u.SpeedKmh > 80 {
			u.SpeedKmh = 80
		}
		p := u.Tick(v, router, interval.Seconds())
		if err := rep.Ping(p); err != nil {
			log.WithError(err).WithField("unit_id", u.ID).Error("Failed to send ping")
			continue
		}
		fields := log.Fields{"unit_id": u.ID, "lat": p.Location.Lat, "lon": p.Location.Lon}
		if p.Status != nil {
			fields["status"] = *p.Status
			log.WithFields(fields).Info("Reported status change")
		} else {
			log.WithFields(fields).Debug("Sent ping")
		}
	}
}

var priorities = []models.Priority{models.PriorityLow, models.PriorityMedium, models.PriorityMedium, models.PriorityHigh, models.PriorityHigh, models.PriorityCritical}

var complaints = []string{
	"Road traffic collision on Mombasa Road",
	"Chest pain, conscious and breathing",
	"Fall from height at construction site",
	"Difficulty breathing, known asthmatic",
	"Labour pains, contractions five minutes apart",
	"Unresponsive adult, bystander CPR in progress",
	"Burns from kitchen fire",
}

func randomIntake() models.Intake {
	return models.Intake{
		Priority:    priorities[rand.Intn(len(priorities))],
		Location:    randomLocation(),
		Description: complaints[rand.Intn(len(complaints))],
		Patient:     models.PatientRecord{Age: 5 + rand.Intn(80)},
	}
}

func fileIntakes(ctx context.Context, api *APIClient, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		e, err := api.Intake(ctx, randomIntake())
		if err != nil {
			log.WithError(err).Error("Failed to file emergency")
			continue
		}
		log.WithFields(log.Fields{"emergency_id": e.ID, "priority": e.Priority}).Info("Filed emergency")
	}
}

func envInt(key string, def, min int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			return n
		}
	}
	return def
}

func main() {
	fleetSize := envInt("FLEET_SIZE", 8, 1)
	interval := time.Duration(envInt("SIM_TICK_SECONDS", 2, 1)) * time.Second
	intakeEvery := time.Duration(envInt("SIM_INTAKE_SECONDS", 0, 0)) * time.Second

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}
	api := &APIClient{BaseURL: apiURL, Token: os.Getenv("SIM_AUTH_TOKEN")}

	osrm := os.Getenv("OSRM_URL")
	if osrm == "" {
		osrm = "https://router.project-osrm.org"
	} else if osrm == "off" {
		osrm = ""
	}
	router := Router{BaseURL: osrm}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rep Reporter = api
	usingMQTT := false
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		pub, err := telemetry.Connect(telemetry.ClientOptions{
			Broker:   broker,
			ClientID: "dispatch-simulator-" + uuid.NewString()[:8],
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MQTT broker")
		}
		defer pub.Close()
		rep = mqttReporter{pub}
		usingMQTT = true
	}

	log.WithFields(log.Fields{
		"fleet_size": fleetSize,
		"api_url":    apiURL,
		"interval":   interval,
		"mqtt":       usingMQTT,
	}).Info("Starting ambulance simulation")

	for _, h := range hospitals {
		err := api.RegisterHospital(ctx, h.ID, h.Name, h.Location, h.Capacity, h.Specialties)
		if err != nil && !errors.Is(err, ErrConflict) {
			log.WithError(err).WithField("hospital_id", h.ID).Error("Failed to register hospital")
		}
	}

	capabilities := []models.Capability{models.CapabilityBasic, models.CapabilityBasic, models.CapabilityAdvanced, models.CapabilityCriticalCare}
	units := make([]*Unit, 0, fleetSize)
	for i := 0; i < fleetSize; i++ {
		id := fmt.Sprintf("AMB-%03d", i+1)
		base := stations[i%len(stations)]
		start := jitterLocation(base, 500)
		err := api.RegisterAmbulance(ctx, id, fmt.Sprintf("Crew %d", i+1), capabilities[i%len(capabilities)], start)
		if err != nil && !errors.Is(err, ErrConflict) {
			log.WithError(err).WithField("unit_id", id).Error("Failed to register ambulance")
			continue
		}
		units = append(units, &Unit{ID: id, Base: base, Position: start, SpeedKmh: 40 + rand.Float64()*20})
	}

	log.WithField("registered_units", len(units)).Info("Unit registration completed")
	if len(units) == 0 {
		log.Error("No units registered. Ensure SIM_AUTH_TOKEN is valid and API is reachable. Exiting.")
		return
	}

	world := &World{}
	if err := world.Refresh(ctx, api); err != nil {
		log.WithError(err).Error("Failed to load state")
	}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := world.Refresh(ctx, api); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("Failed to refresh state")
				}
			}
		}
	}()

	if intakeEvery > 0 {
		go fileIntakes(ctx, api, intakeEvery)
	}

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *Unit) {
			defer wg.Done()
			simulateUnit(ctx, u, world, router, rep, interval)
		}(u)
	}

	log.Info("Ambulance simulation started")
	wg.Wait()
	log.Info("Ambulance simulation stopped")
}
