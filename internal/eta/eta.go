// Package eta estimates travel time between two points. The engine only
// depends on the Estimator interface; routing backends plug in behind it.
package eta

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Traffic scales a free-flow travel time.
type Traffic float64

const (
	TrafficFree     Traffic = 1.0
	TrafficModerate Traffic = 1.3
	TrafficHeavy    Traffic = 1.7
)

func (t Traffic) factor() float64 {
	if t <= 0 {
		return float64(TrafficFree)
	}
	return float64(t)
}

// Estimator returns the travel time in minutes from one point to another.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Location, traffic Traffic) (float64, error)
}

// EstimationError reports a failed estimate for one origin/destination pair.
type EstimationError struct {
	From models.Location
	To   models.Location
	Err  error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimate %.5f,%.5f -> %.5f,%.5f: %v", e.From.Lat, e.From.Lon, e.To.Lat, e.To.Lon, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// DefaultSpeedKmh is the average urban ambulance speed used by the
// straight-line fallback.
const DefaultSpeedKmh = 40.0

// HaversineEstimator converts straight-line distance into minutes at a
// fixed average speed.
type HaversineEstimator struct {
	SpeedKmh float64
}

// Estimate implements Estimator.
func (h HaversineEstimator) Estimate(ctx context.Context, from, to models.Location, traffic Traffic) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &EstimationError{From: from, To: to, Err: err}
	}
	if h.SpeedKmh <= 0 {
		return 0, &EstimationError{From: from, To: to, Err: fmt.Errorf("speed must be positive, got %v", h.SpeedKmh)}
	}
	return from.DistanceKm(to) / h.SpeedKmh * 60 * traffic.factor(), nil
}

// Fallback asks Primary first and falls back to Secondary when it fails.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
	Logger    *log.Entry
}

// Estimate implements Estimator.
func (f Fallback) Estimate(ctx context.Context, from, to models.Location, traffic Traffic) (float64, error) {
	minutes, err := f.Primary.Estimate(ctx, from, to, traffic)
	if err == nil {
		return minutes, nil
	}
	if ctx.Err() != nil {
		return 0, err
	}
	if f.Logger != nil {
		f.Logger.WithError(err).Debug("Primary estimator failed, using fallback")
	}
	return f.Secondary.Estimate(ctx, from, to, traffic)
}
