package models

import (
	"time"
)

type SessionRole string

const (
	RoleExecutor   SessionRole = "executor"
	RoleController SessionRole = "controller"
	RoleViewer     SessionRole = "viewer"
)

func (r SessionRole) Valid() bool {
	switch r {
	case RoleExecutor, RoleController, RoleViewer:
		return true
	}
	return false
}

type SessionPermission string

const (
	PermissionViewOnly    SessionPermission = "view_only"
	PermissionInteract    SessionPermission = "interact"
	PermissionFullControl SessionPermission = "full_control"
)

func (p SessionPermission) Valid() bool {
	switch p {
	case PermissionViewOnly, PermissionInteract, PermissionFullControl:
		return true
	}
	return false
}

// SessionParticipant is one device's membership in a relay session. A device
// appears at most once per session; role and permission may be re-asserted by
// a repeated subscribe but identity is keyed by DeviceID.
type SessionParticipant struct {
	DeviceID   string            `json:"deviceId"`
	DeviceName string            `json:"deviceName,omitempty"`
	Role       SessionRole       `json:"role"`
	Permission SessionPermission `json:"permission"`
	JoinedAt   time.Time         `json:"joinedAt"`
	IsActive   bool              `json:"isActive"`
}
