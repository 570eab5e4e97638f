package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// DefaultOSRMURL is the public OSRM demo server.
const DefaultOSRMURL = "https://router.project-osrm.org"

// OSRMEstimator asks an OSRM server for the driving duration of a route.
type OSRMEstimator struct {
	BaseURL string
	Client  *http.Client
}

// NewOSRMEstimator creates an estimator against baseURL.
func NewOSRMEstimator(baseURL string, client *http.Client) *OSRMEstimator {
	if baseURL == "" {
		baseURL = DefaultOSRMURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OSRMEstimator{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Estimate implements Estimator.
func (o *OSRMEstimator) Estimate(ctx context.Context, from, to models.Location, traffic Traffic) (float64, error) {
	seconds, err := o.duration(ctx, from, to)
	if err != nil {
		return 0, &EstimationError{From: from, To: to, Err: err}
	}
	return seconds / 60 * traffic.factor(), nil
}

func (o *OSRMEstimator) duration(ctx context.Context, from, to models.Location) (float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.BaseURL, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var obj struct {
		Code   string `json:"code"`
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, err
	}
	if obj.Code != "" && obj.Code != "Ok" {
		return 0, fmt.Errorf("osrm code %s", obj.Code)
	}
	if len(obj.Routes) == 0 {
		return 0, fmt.Errorf("no route")
	}
	return obj.Routes[0].Duration, nil
}
