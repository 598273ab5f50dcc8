package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// NormalizeRole maps a backend role name onto one of the canonical roles.
// Unrecognized names fall back to RolePatient.
func NormalizeRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleDoctor:
		return RoleDoctor
	default:
		return RolePatient
	}
}

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusPending   UserStatus = "pending"
)

// User is the backend account row. Role holds the stored name verbatim,
// which may differ in case from the canonical roles.
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	DisplayName  string
	Role         string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is the client-side view of the logged-in user for one tab.
type Session struct {
	UserID      int64
	Email       string
	DisplayName string
	Role        Role
	IsLoggedIn  bool
}
