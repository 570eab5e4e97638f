package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/middleware"
	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// DispatchHandler exposes the dispatch service over HTTP
type DispatchHandler struct {
	svc    *dispatch.Service
	logger *log.Entry
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(svc *dispatch.Service) *DispatchHandler {
	return &DispatchHandler{svc: svc, logger: log.WithField("component", "api")}
}

// StateResponse is a full snapshot of the store.
type StateResponse struct {
	Version     uint64              `json:"version"`
	TakenAt     time.Time           `json:"taken_at"`
	Ambulances  []models.Ambulance  `json:"ambulances"`
	Emergencies []models.Emergency  `json:"emergencies"`
	Hospitals   []models.Hospital   `json:"hospitals"`
	Assignments []models.Assignment `json:"assignments"`
}

// GetState returns the current snapshot
func (h *DispatchHandler) GetState(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Store.Snapshot()
	writeJSON(w, http.StatusOK, StateResponse{
		Version:     snap.Version,
		TakenAt:     snap.TakenAt,
		Ambulances:  snap.Ambulances(),
		Emergencies: snap.Emergencies(),
		Hospitals:   snap.Hospitals(),
		Assignments: snap.Assignments(),
	})
}

// GetEmergency returns one emergency with its assignment, if any
func (h *DispatchHandler) GetEmergency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.svc.Store.Snapshot()
	e, ok := snap.Emergency(id)
	if !ok {
		writeError(w, fmt.Errorf("emergency %s: %w", id, store.ErrNotFound))
		return
	}
	resp := struct {
		models.Emergency
		Assignment *models.Assignment `json:"assignment,omitempty"`
	}{Emergency: e}
	if a, ok := snap.Assignment(id); ok {
		resp.Assignment = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateEmergency files a new call
func (h *DispatchHandler) CreateEmergency(w http.ResponseWriter, r *http.Request) {
	var in models.Intake
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.svc.Intake(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// EmergencyUpdate is the body of PATCH /api/emergencies/{id}.
type EmergencyUpdate struct {
	Version     uint64                  `json:"version"`
	Priority    *models.Priority        `json:"priority,omitempty"`
	Location    *models.Location        `json:"location,omitempty"`
	Address     *string                 `json:"address,omitempty"`
	Description *string                 `json:"description,omitempty"`
	Patient     *models.PatientRecord   `json:"patient,omitempty"`
	Status      *models.EmergencyStatus `json:"status,omitempty"`
}

// UpdateEmergency applies an operator edit, escalation or cancellation
func (h *DispatchHandler) UpdateEmergency(w http.ResponseWriter, r *http.Request) {
	var req EmergencyUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == 0 {
		writeError(w, &store.ValidationError{Kind: models.KindEmergency, ID: chi.URLParam(r, "id"), Field: "version", Reason: "is required"})
		return
	}
	e, err := h.svc.Store.UpsertEmergency(chi.URLParam(r, "id"), store.EmergencyPatch{
		Priority:    req.Priority,
		Location:    req.Location,
		Address:     req.Address,
		Description: req.Description,
		Patient:     req.Patient,
		Status:      req.Status,
	}, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DowngradeRequest is the body of POST /api/emergencies/{id}/downgrade.
type DowngradeRequest struct {
	Version  uint64          `json:"version"`
	Priority models.Priority `json:"priority"`
	Reason   string          `json:"reason"`
}

// DowngradeEmergency lowers a priority with a recorded reason
func (h *DispatchHandler) DowngradeEmergency(w http.ResponseWriter, r *http.Request) {
	var req DowngradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	reason := req.Reason
	if claims, ok := middleware.GetOperatorFromContext(r.Context()); ok && reason != "" {
		reason = fmt.Sprintf("%s (%s)", reason, claims.Username)
	}
	e, err := h.svc.Store.DowngradePriority(chi.URLParam(r, "id"), req.Version, req.Priority, reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// AmbulanceUpdate is the body of PUT /api/ambulances/{id}. Version 0
// registers a new unit.
type AmbulanceUpdate struct {
	Version    uint64                  `json:"version"`
	Crew       *string                 `json:"crew,omitempty"`
	Capability *models.Capability      `json:"capability,omitempty"`
	Location   *models.Location        `json:"location,omitempty"`
	Status     *models.AmbulanceStatus `json:"status,omitempty"`
}

// PutAmbulance registers or updates a unit
func (h *DispatchHandler) PutAmbulance(w http.ResponseWriter, r *http.Request) {
	var req AmbulanceUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.Store.UpsertAmbulance(chi.URLParam(r, "id"), store.AmbulancePatch{
		Crew:       req.Crew,
		Capability: req.Capability,
		Location:   req.Location,
		Status:     req.Status,
	}, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if req.Version == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, a)
}

// ReturnToService brings an out-of-service unit back
func (h *DispatchHandler) ReturnToService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version uint64 `json:"version"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.Store.ReturnToService(chi.URLParam(r, "id"), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HospitalUpdate is the body of PUT /api/hospitals/{id}.
type HospitalUpdate struct {
	Version     uint64           `json:"version"`
	Name        *string          `json:"name,omitempty"`
	Location    *models.Location `json:"location,omitempty"`
	ERStatus    *models.ERStatus `json:"er_status,omitempty"`
	Capacity    *int             `json:"capacity,omitempty"`
	Occupancy   *int             `json:"occupancy,omitempty"`
	Specialties []string         `json:"specialties,omitempty"`
}

// PutHospital registers or updates a hospital
func (h *DispatchHandler) PutHospital(w http.ResponseWriter, r *http.Request) {
	var req HospitalUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	hosp, err := h.svc.Store.UpsertHospital(chi.URLParam(r, "id"), store.HospitalPatch{
		Name:        req.Name,
		Location:    req.Location,
		ERStatus:    req.ERStatus,
		Capacity:    req.Capacity,
		Occupancy:   req.Occupancy,
		Specialties: req.Specialties,
	}, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if req.Version == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, hosp)
}

// PostPing applies a location or status report. Unit accounts may only
// report for the unit named by their username.
func (h *DispatchHandler) PostPing(w http.ResponseWriter, r *http.Request) {
	var p models.Ping
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	if claims, ok := middleware.GetOperatorFromContext(r.Context()); ok {
		own := map[models.Role]models.EntityKind{models.RoleUnit: models.KindAmbulance, models.RoleHospital: models.KindHospital}
		if kind, limited := own[claims.Role]; limited && (p.Kind != kind || p.EntityID != claims.Username) {
			http.Error(w, "Field accounts may only report for themselves", http.StatusForbidden)
			return
		}
	}
	if err := h.svc.Ping(p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetAlerts returns the active alerts
func (h *DispatchHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.svc.Alerts.Active()
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// GetStats returns the operations summary
func (h *DispatchHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// TrafficReport is the body of PUT /api/traffic/{zone}.
type TrafficReport struct {
	Center     models.Location `json:"center"`
	RadiusKm   float64         `json:"radius_km"`
	Level      eta.Level       `json:"level"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// GetTraffic lists the active traffic zones
func (h *DispatchHandler) GetTraffic(w http.ResponseWriter, r *http.Request) {
	zones := h.svc.Traffic.Zones()
	if zones == nil {
		zones = []eta.Zone{}
	}
	writeJSON(w, http.StatusOK, zones)
}

// PutTraffic reports the traffic level of a zone
func (h *DispatchHandler) PutTraffic(w http.ResponseWriter, r *http.Request) {
	var req TrafficReport
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, fmt.Errorf("%w: ttl_seconds must not be negative", eta.ErrInvalidZone))
		return
	}
	z, err := h.svc.ReportTraffic(eta.Zone{
		Name:     chi.URLParam(r, "zone"),
		Center:   req.Center,
		RadiusKm: req.RadiusKm,
		Level:    req.Level,
	}, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// DeleteTraffic clears a traffic zone
func (h *DispatchHandler) DeleteTraffic(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearTraffic(chi.URLParam(r, "zone")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MessageRequest is the body of POST /api/messages.
type MessageRequest struct {
	Message     string `json:"message"`
	EmergencyID string `json:"emergency_id,omitempty"`
	AmbulanceID string `json:"ambulance_id,omitempty"`
}

// PostMessage adds a line to the dispatch log. The sender comes from the
// caller's token.
func (h *DispatchHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := h.svc.PostMessage(dispatch.Message{
		Sender:      claims.Username,
		SenderType:  dispatch.SenderType(claims.Role),
		EmergencyID: req.EmergencyID,
		AmbulanceID: req.AmbulanceID,
		Text:        req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}
