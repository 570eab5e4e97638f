package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Nairobi stations units roam around while available.
var stations = []models.Location{
	{Lat: -1.2864, Lon: 36.8172}, // CBD
	{Lat: -1.2630, Lon: 36.8030}, // Westlands
	{Lat: -1.3190, Lon: 36.8290}, // South B
	{Lat: -1.2190, Lon: 36.8860}, // Kasarani
	{Lat: -1.3000, Lon: 36.7800}, // Kilimani
	{Lat: -1.2800, Lon: 36.8900}, // Eastleigh
	{Lat: -1.3320, Lon: 36.7660}, // Karen road
	{Lat: -1.2400, Lon: 36.8500}, // Muthaiga
}

var hospitals = []struct {
	ID          string
	Name        string
	Location    models.Location
	Capacity    int
	Specialties []string
}{
	{"H-KNH", "Kenyatta National Hospital", models.Location{Lat: -1.3010, Lon: 36.8073}, 40, []string{"trauma", "cardiac", "burns"}},
	{"H-NBI", "Nairobi Hospital", models.Location{Lat: -1.2955, Lon: 36.8045}, 25, []string{"cardiac", "stroke"}},
	{"H-AGA", "Aga Khan University Hospital", models.Location{Lat: -1.2614, Lon: 36.8236}, 30, []string{"trauma", "pediatrics"}},
	{"H-MPS", "MP Shah Hospital", models.Location{Lat: -1.2630, Lon: 36.8150}, 15, []string{"maternity"}},
}

func jitterLocation(base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * cosDeg(base.Lat)
	dLat := (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func randomLocation() models.Location {
	return jitterLocation(stations[rand.Intn(len(stations))], 1500)
}

func lerp(a, b models.Location, t float64) models.Location {
	return models.Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

// Route is a polyline a unit drives along.
type Route struct {
	Points    []models.Location
	SegIndex  int
	SegOffset float64 // km along current segment
}

// Done reports whether the unit reached the last point.
func (r *Route) Done() bool {
	return r == nil || r.SegIndex >= len(r.Points)-1
}

// Target returns the final point.
func (r *Route) Target() models.Location {
	return r.Points[len(r.Points)-1]
}

// Router plans routes. It asks OSRM for road geometry and falls back to a
// straight line.
type Router struct {
	BaseURL string
	Client  *http.Client
}

func (rt Router) fetch(start, end models.Location) ([]models.Location, error) {
	if rt.BaseURL == "" {
		return nil, fmt.Errorf("routing disabled")
	}
	client := rt.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", rt.BaseURL, start.Lon, start.Lat, end.Lon, end.Lat)
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var obj struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if len(obj.Routes) == 0 || len(obj.Routes[0].Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("no route")
	}
	coords := obj.Routes[0].Geometry.Coordinates
	pts := make([]models.Location, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, models.Location{Lat: c[1], Lon: c[0]})
	}
	return pts, nil
}

// Plan returns a route from start to end. The last point is always end.
func (rt Router) Plan(start, end models.Location) *Route {
	pts, err := rt.fetch(start, end)
	if err != nil || len(pts) < 2 {
		pts = []models.Location{start, end}
	}
	if last := pts[len(pts)-1]; last != end {
		pts = append(pts, end)
	}
	return &Route{Points: pts}
}

// step advances pos along r by the distance covered at speedKmh in tickSec.
func step(pos models.Location, r *Route, speedKmh, tickSec float64) models.Location {
	remKm := speedKmh * (tickSec / 3600.0)
	for remKm > 0 && r.SegIndex < len(r.Points)-1 {
		a := r.Points[r.SegIndex]
		b := r.Points[r.SegIndex+1]
		segLen := a.DistanceKm(b)
		leftOnSeg := segLen - r.SegOffset
		if remKm >= leftOnSeg {
			pos = b
			r.SegIndex++
			r.SegOffset = 0
			remKm -= leftOnSeg
			continue
		}
		t := (r.SegOffset + remKm) / segLen
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		pos = lerp(a, b, t)
		r.SegOffset += remKm
		remKm = 0
	}
	return pos
}

func cosDeg(deg float64) float64 {
	return math.Cos(deg * math.Pi / 180)
}
