package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/ambulance-dispatch/internal/handlers"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

var cbd = models.Location{Lat: -1.2864, Lon: 36.8172}

func TestJitterLocation(t *testing.T) {
	for i := 0; i < 100; i++ {
		loc := jitterLocation(cbd, 1000)
		// corner of the jitter box is sqrt(2) km away
		assert.LessOrEqual(t, cbd.DistanceKm(loc), 1.5)
	}
}

func TestRandomLocationStaysInNairobi(t *testing.T) {
	for i := 0; i < 100; i++ {
		loc := randomLocation()
		assert.InDelta(t, -1.28, loc.Lat, 0.15)
		assert.InDelta(t, 36.82, loc.Lon, 0.15)
	}
}

func TestLerp(t *testing.T) {
	a := models.Location{Lat: 0, Lon: 0}
	b := models.Location{Lat: 2, Lon: 4}
	assert.Equal(t, a, lerp(a, b, 0))
	assert.Equal(t, b, lerp(a, b, 1))
	assert.Equal(t, models.Location{Lat: 1, Lon: 2}, lerp(a, b, 0.5))
}

func TestRouterPlanStraightLineWhenDisabled(t *testing.T) {
	end := models.Location{Lat: -1.30, Lon: 36.80}
	r := Router{}.Plan(cbd, end)
	assert.Equal(t, []models.Location{cbd, end}, r.Points)
	assert.False(t, r.Done())
	assert.Equal(t, end, r.Target())
}

func TestRouterPlanUsesOSRMGeometry(t *testing.T) {
	end := models.Location{Lat: -1.30, Lon: 36.80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		_, _ = w.Write([]byte(`{"routes":[{"geometry":{"coordinates":[[36.8172,-1.2864],[36.81,-1.29],[36.8001,-1.2999]]}}]}`))
	}))
	defer srv.Close()

	r := Router{BaseURL: srv.URL}.Plan(cbd, end)
	require.Len(t, r.Points, 4)
	assert.Equal(t, models.Location{Lat: -1.29, Lon: 36.81}, r.Points[1])
	assert.Equal(t, end, r.Target())
}

func TestRouterPlanFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	end := models.Location{Lat: -1.30, Lon: 36.80}
	r := Router{BaseURL: srv.URL}.Plan(cbd, end)
	assert.Equal(t, []models.Location{cbd, end}, r.Points)
}

func TestStepAlongRoute(t *testing.T) {
	end := models.Location{Lat: -1.2864, Lon: 36.8352}
	r := Router{}.Plan(cbd, end)
	total := cbd.DistanceKm(end)

	// one minute at 60 km/h covers one kilometer
	pos := step(cbd, r, 60, 60)
	assert.InDelta(t, 1.0, cbd.DistanceKm(pos), 0.01)
	assert.False(t, r.Done())

	pos = step(pos, r, 60, 3600)
	assert.Equal(t, end, pos)
	assert.True(t, r.Done())
	assert.Greater(t, total, 1.0)
}

func TestUnitReportsArrivalOnScene(t *testing.T) {
	scene := models.Location{Lat: -1.2864, Lon: 36.8262}
	u := &Unit{ID: "AMB-001", Base: cbd, Position: cbd, SpeedKmh: 120}
	v := View{
		Ambulance: models.Ambulance{ID: "AMB-001", Status: models.AmbulanceDispatched, AssignedEmergency: "E-001"},
		Emergency: &models.Emergency{ID: "E-001", Location: scene},
	}

	p := u.Tick(v, Router{}, 60)
	assert.Nil(t, p.Status)
	assert.Equal(t, scene, u.Position)
	require.NotNil(t, p.Location)
	assert.Equal(t, scene, *p.Location)
	assert.Equal(t, models.KindAmbulance, p.Kind)

	p = u.Tick(v, Router{}, 60)
	require.NotNil(t, p.Status)
	assert.Equal(t, models.AmbulanceTransporting, *p.Status)

	// reported once until the API catches up
	p = u.Tick(v, Router{}, 60)
	assert.Nil(t, p.Status)
}

func TestUnitDrivesToDestinationHospital(t *testing.T) {
	h := models.Hospital{ID: "H-KNH", Location: models.Location{Lat: -1.3010, Lon: 36.8073}}
	u := &Unit{ID: "AMB-001", Position: h.Location, SpeedKmh: 50}
	v := View{
		Ambulance:   models.Ambulance{ID: "AMB-001", Status: models.AmbulanceTransporting, AssignedEmergency: "E-001", Destination: "H-KNH"},
		Destination: &h,
	}

	p := u.Tick(v, Router{}, 2)
	require.NotNil(t, p.Status)
	assert.Equal(t, models.AmbulanceAtHospital, *p.Status)
}

func TestUnitClearsAfterDwell(t *testing.T) {
	u := &Unit{ID: "AMB-001", Position: cbd, SpeedKmh: 50}
	v := View{Ambulance: models.Ambulance{ID: "AMB-001", Status: models.AmbulanceAtHospital}}

	for i := 0; i < DwellTicks; i++ {
		p := u.Tick(v, Router{}, 2)
		assert.Nil(t, p.Status)
		assert.Equal(t, cbd, u.Position)
	}
	p := u.Tick(v, Router{}, 2)
	require.NotNil(t, p.Status)
	assert.Equal(t, models.AmbulanceAvailable, *p.Status)
}

func TestUnitRoamsWhenAvailable(t *testing.T) {
	u := &Unit{ID: "AMB-001", Base: cbd, Position: cbd, SpeedKmh: 50}
	v := View{Ambulance: models.Ambulance{ID: "AMB-001", Status: models.AmbulanceAvailable}}

	p := u.Tick(v, Router{}, 2)
	assert.Nil(t, p.Status)
	require.NotNil(t, u.Route)
}

func TestWorldView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/state", r.URL.Path)
		_ = json.NewEncoder(w).Encode(handlers.StateResponse{
			Ambulances:  []models.Ambulance{{ID: "AMB-001", Status: models.AmbulanceTransporting, AssignedEmergency: "E-001", Destination: "H-1"}, {ID: "AMB-002"}},
			Emergencies: []models.Emergency{{ID: "E-001"}},
			Hospitals:   []models.Hospital{{ID: "H-1"}},
		})
	}))
	defer srv.Close()

	w := &World{}
	require.NoError(t, w.Refresh(context.Background(), &APIClient{BaseURL: srv.URL + "/api"}))

	v, ok := w.View("AMB-001")
	require.True(t, ok)
	require.NotNil(t, v.Emergency)
	require.NotNil(t, v.Destination)
	assert.Equal(t, "H-1", v.Destination.ID)

	v, ok = w.View("AMB-002")
	require.True(t, ok)
	assert.Nil(t, v.Emergency)
	assert.Nil(t, v.Destination)

	_, ok = w.View("AMB-404")
	assert.False(t, ok)
}

func TestAPIClient(t *testing.T) {
	var gotAuth, gotPath string
	var gotPing models.Ping
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		switch r.URL.Path {
		case "/api/ambulances/AMB-001":
			w.WriteHeader(http.StatusConflict)
		case "/api/ambulances/AMB-002":
			w.WriteHeader(http.StatusCreated)
		case "/api/pings":
			_ = json.NewDecoder(r.Body).Decode(&gotPing)
			w.WriteHeader(http.StatusAccepted)
		case "/api/emergencies":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(models.Emergency{ID: "E-001", Priority: models.PriorityHigh})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(handlers.ErrorResponse{Error: "bad things", Code: "validation"})
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	api := &APIClient{BaseURL: srv.URL + "/api", Token: "tok"}

	err := api.RegisterAmbulance(ctx, "AMB-001", "Crew 1", models.CapabilityBasic, cbd)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "Bearer tok", gotAuth)

	require.NoError(t, api.RegisterAmbulance(ctx, "AMB-002", "Crew 2", models.CapabilityAdvanced, cbd))
	assert.Equal(t, "PUT /api/ambulances/AMB-002", gotPath)

	st := models.AmbulanceTransporting
	require.NoError(t, api.Ping(models.Ping{EntityID: "AMB-002", Kind: models.KindAmbulance, Status: &st}))
	require.NotNil(t, gotPing.Status)
	assert.Equal(t, st, *gotPing.Status)

	e, err := api.Intake(ctx, randomIntake())
	require.NoError(t, err)
	assert.Equal(t, "E-001", e.ID)

	err = api.RegisterHospital(ctx, "H-1", "Test", cbd, 10, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad things")
}

func TestRandomIntake(t *testing.T) {
	in := randomIntake()
	assert.Greater(t, in.Priority.Rank(), 0)
	assert.NotEmpty(t, in.Description)
	assert.True(t, in.Location.Valid())
}
