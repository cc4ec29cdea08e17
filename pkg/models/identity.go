package models

import (
	"fmt"
	"slices"
)

// Role is a closed set. Dispatch sites switch over every value and treat
// anything else as a programming error.
type Role string

const (
	RoleDoctor Role = "doctor"
	RoleFamily Role = "family"
	RoleAdmin  Role = "admin"
)

var Roles = []Role{RoleDoctor, RoleFamily, RoleAdmin}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !slices.Contains(Roles, r) {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// Identity is what the auth provider vouches for. PatientIDs links a family
// member to the patients they may follow.
type Identity struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	Role       Role     `json:"role"`
	PatientIDs []string `json:"patient_ids,omitempty"`
}

// CanAccess reports whether the identity may see alerts of patientID.
func (id Identity) CanAccess(patientID string) bool {
	switch id.Role {
	case RoleDoctor, RoleAdmin:
		return true
	case RoleFamily:
		return slices.Contains(id.PatientIDs, patientID)
	}
	return false
}

// CanAcknowledge reports whether the identity may clinically retire alerts.
func (id Identity) CanAcknowledge() bool {
	switch id.Role {
	case RoleDoctor, RoleAdmin:
		return true
	case RoleFamily:
		return false
	}
	return false
}
