package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role represents operator roles in the dispatch center
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleDispatcher Role = "dispatcher"
	RoleViewer     Role = "viewer"
	RoleUnit       Role = "unit"
	// RoleHospital is an ER desk; its username is the hospital id.
	RoleHospital Role = "hospital"
)

// Actions checked by HasPermission.
const (
	ActionViewState         = "view_state"
	ActionIntake            = "intake"
	ActionUpdateEmergency   = "update_emergency"
	ActionDowngradePriority = "downgrade_priority"
	ActionManageFleet       = "manage_fleet"
	ActionReportPing        = "report_ping"
	ActionManageOperators   = "manage_operators"
	ActionReportTraffic     = "report_traffic"
	ActionPostMessage       = "post_message"
)

// Operator represents a person or device allowed to use the dispatch API
type Operator struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username     string             `bson:"username" json:"username"`
	DisplayName  string             `bson:"display_name" json:"display_name"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	Role         Role               `bson:"role" json:"role"`
	IsActive     bool               `bson:"is_active" json:"is_active"`
	LastLogin    *time.Time         `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateOperatorRequest represents a supervisor creating a new account
type CreateOperatorRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        Role   `json:"role"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token    string   `json:"token"`
	Operator Operator `json:"operator"`
}

// Claims represents JWT claims
type Claims struct {
	OperatorID string `json:"operator_id"`
	Username   string `json:"username"`
	Role       Role   `json:"role"`
	Exp        int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleSupervisor, RoleDispatcher, RoleViewer, RoleUnit, RoleHospital:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role may perform an action
func (r Role) HasPermission(action string) bool {
	switch r {
	case RoleSupervisor:
		return true
	case RoleDispatcher:
		return action != ActionManageOperators && action != ActionDowngradePriority
	case RoleUnit:
		switch action {
		case ActionReportPing, ActionViewState, ActionReportTraffic, ActionPostMessage:
			return true
		}
		return false
	case RoleHospital:
		return action == ActionReportPing || action == ActionViewState || action == ActionPostMessage
	case RoleViewer:
		return action == ActionViewState
	default:
		return false
	}
}
