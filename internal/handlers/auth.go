package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/ambulance-dispatch/internal/auth"
	"github.com/ukydev/ambulance-dispatch/internal/db"
	"github.com/ukydev/ambulance-dispatch/internal/middleware"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// AuthHandler handles operator login and account management
type AuthHandler struct {
	authService *auth.Service
	operators   db.OperatorCollection
	logger      *log.Entry
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, operators db.OperatorCollection) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		operators:   operators,
		logger:      log.WithField("component", "auth"),
	}
}

// Login handles operator login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	op, err := h.operators.FindOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.WithError(err).Error("Operator lookup failed")
		}
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if !op.IsActive {
		http.Error(w, "Account is deactivated", http.StatusUnauthorized)
		return
	}
	if !h.authService.CheckPassword(req.Password, op.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.authService.GenerateToken(op)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	if err := h.operators.UpdateLastLogin(r.Context(), op.ID.Hex()); err != nil {
		h.logger.WithError(err).WithField("operator", op.Username).Warn("Failed to update last login")
	}

	h.logger.WithFields(log.Fields{"operator": op.Username, "role": op.Role}).Info("Operator logged in")
	writeJSON(w, http.StatusOK, models.LoginResponse{Token: token, Operator: *op})
}

// CreateOperator lets a supervisor open a new account
func (h *AuthHandler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOperatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.authService.ValidateUsername(req.Username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.authService.ValidatePassword(req.Password); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !models.IsValidRole(req.Role) {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}

	_, err := h.operators.FindOperatorByUsername(r.Context(), req.Username)
	switch {
	case err == nil:
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	case !errors.Is(err, db.ErrNotFound):
		writeError(w, err)
		return
	}

	op, err := h.newOperator(req)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}
	if err := h.operators.InsertOperator(r.Context(), op); err != nil {
		http.Error(w, "Failed to create operator", http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(log.Fields{"operator": op.Username, "role": op.Role}).Info("Operator created")
	writeJSON(w, http.StatusCreated, op)
}

func (h *AuthHandler) newOperator(req models.CreateOperatorRequest) (models.Operator, error) {
	hash, err := h.authService.HashPassword(req.Password)
	if err != nil {
		return models.Operator{}, err
	}
	now := time.Now()
	display := req.DisplayName
	if display == "" {
		display = req.Username
	}
	return models.Operator{
		ID:           primitive.NewObjectID(),
		Username:     req.Username,
		DisplayName:  display,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ListOperators returns every account
func (h *AuthHandler) ListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := h.operators.ListOperators(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []models.Operator{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// Me returns the calling operator's account
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, "Operator context not found", http.StatusUnauthorized)
		return
	}
	op, err := h.operators.FindOperatorByID(r.Context(), claims.OperatorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// ChangePassword changes the calling operator's password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, "Operator context not found", http.StatusUnauthorized)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		http.Error(w, "Current password and new password are required", http.StatusBadRequest)
		return
	}
	if err := h.authService.ValidatePassword(req.NewPassword); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	op, err := h.operators.FindOperatorByID(r.Context(), claims.OperatorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.authService.CheckPassword(req.CurrentPassword, op.PasswordHash) {
		http.Error(w, "Current password is incorrect", http.StatusUnauthorized)
		return
	}

	hash, err := h.authService.HashPassword(req.NewPassword)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}
	op.PasswordHash = hash
	if err := h.operators.UpdateOperator(r.Context(), claims.OperatorID, *op); err != nil {
		http.Error(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

// EnsureSupervisor creates the first supervisor account when none exists.
// It does nothing once any operator is registered.
func (h *AuthHandler) EnsureSupervisor(ctx context.Context, username, password string) error {
	if username == "" {
		return nil
	}
	n, err := h.operators.CountOperators(ctx)
	if err != nil {
		return fmt.Errorf("count operators: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := h.authService.ValidateUsername(username); err != nil {
		return fmt.Errorf("bootstrap supervisor: %w", err)
	}
	if err := h.authService.ValidatePassword(password); err != nil {
		return fmt.Errorf("bootstrap supervisor: %w", err)
	}
	op, err := h.newOperator(models.CreateOperatorRequest{
		Username:    username,
		DisplayName: "Supervisor",
		Password:    password,
		Role:        models.RoleSupervisor,
	})
	if err != nil {
		return fmt.Errorf("bootstrap supervisor: %w", err)
	}
	if err := h.operators.InsertOperator(ctx, op); err != nil {
		return fmt.Errorf("bootstrap supervisor: %w", err)
	}
	h.logger.WithField("operator", username).Info("Bootstrap supervisor created")
	return nil
}
