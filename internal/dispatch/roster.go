package dispatch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// Roster is the persistent fleet and hospital registry.
type Roster interface {
	LoadAmbulances(ctx context.Context) ([]models.Ambulance, error)
	LoadHospitals(ctx context.Context) ([]models.Hospital, error)
	SaveAmbulance(ctx context.Context, a models.Ambulance) error
	SaveHospital(ctx context.Context, h models.Hospital) error
}

// LoadRoster registers every persisted unit and hospital. Units come back
// Available unless they were out of service; assignments are not restored.
func (s *Service) LoadRoster(ctx context.Context, r Roster) error {
	hospitals, err := r.LoadHospitals(ctx)
	if err != nil {
		return fmt.Errorf("load hospitals: %w", err)
	}
	for _, h := range hospitals {
		h := h
		if _, err := s.Store.UpsertHospital(h.ID, store.HospitalPatch{
			Name:        &h.Name,
			Location:    &h.Location,
			ERStatus:    &h.ERStatus,
			Capacity:    &h.Capacity,
			Occupancy:   &h.Occupancy,
			Specialties: h.Specialties,
		}, 0); err != nil {
			return fmt.Errorf("register hospital %s: %w", h.ID, err)
		}
	}

	ambulances, err := r.LoadAmbulances(ctx)
	if err != nil {
		return fmt.Errorf("load ambulances: %w", err)
	}
	for _, a := range ambulances {
		a := a
		status := models.AmbulanceAvailable
		if a.Status == models.AmbulanceOutOfService {
			status = models.AmbulanceOutOfService
		}
		if _, err := s.Store.UpsertAmbulance(a.ID, store.AmbulancePatch{
			Crew:       &a.Crew,
			Capability: &a.Capability,
			Location:   &a.Location,
			Status:     &status,
		}, 0); err != nil {
			return fmt.Errorf("register ambulance %s: %w", a.ID, err)
		}
	}

	s.logger.WithFields(log.Fields{
		"ambulances": len(ambulances),
		"hospitals":  len(hospitals),
	}).Info("Roster loaded")
	return nil
}

// SaveRoster writes the current fleet and hospital state back to r.
func (s *Service) SaveRoster(ctx context.Context, r Roster) error {
	snap := s.Store.Snapshot()
	for _, a := range snap.Ambulances() {
		if err := r.SaveAmbulance(ctx, a); err != nil {
			return fmt.Errorf("save ambulance %s: %w", a.ID, err)
		}
	}
	for _, h := range snap.Hospitals() {
		if err := r.SaveHospital(ctx, h); err != nil {
			return fmt.Errorf("save hospital %s: %w", h.ID, err)
		}
	}
	return nil
}
