package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ukydev/ambulance-dispatch/internal/handlers"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// ErrConflict is returned on 409, e.g. a unit registered by an earlier run.
var ErrConflict = errors.New("conflict")

// APIClient talks to the dispatch HTTP API.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if resp.StatusCode >= 300 {
		var e handlers.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterAmbulance creates a unit. It returns ErrConflict when the id is taken.
func (c *APIClient) RegisterAmbulance(ctx context.Context, id, crew string, capability models.Capability, loc models.Location) error {
	return c.do(ctx, http.MethodPut, "/ambulances/"+id, handlers.AmbulanceUpdate{
		Crew:       &crew,
		Capability: &capability,
		Location:   &loc,
	}, nil)
}

// RegisterHospital creates a hospital. It returns ErrConflict when the id is taken.
func (c *APIClient) RegisterHospital(ctx context.Context, id, name string, loc models.Location, capacity int, specialties []string) error {
	open := models.ERAvailable
	return c.do(ctx, http.MethodPut, "/hospitals/"+id, handlers.HospitalUpdate{
		Name:        &name,
		Location:    &loc,
		ERStatus:    &open,
		Capacity:    &capacity,
		Specialties: specialties,
	}, nil)
}

// State fetches the current snapshot.
func (c *APIClient) State(ctx context.Context) (handlers.StateResponse, error) {
	var st handlers.StateResponse
	err := c.do(ctx, http.MethodGet, "/state", nil, &st)
	return st, err
}

// Ping reports a unit update over HTTP.
func (c *APIClient) Ping(p models.Ping) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/pings", p, nil)
}

// Intake files a new emergency.
func (c *APIClient) Intake(ctx context.Context, in models.Intake) (models.Emergency, error) {
	var e models.Emergency
	err := c.do(ctx, http.MethodPost, "/emergencies", in, &e)
	return e, err
}
