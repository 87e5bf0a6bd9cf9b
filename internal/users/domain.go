package users

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the user id is unknown or the account is disabled.
	ErrNotFound = errors.New("users: not found")
	// ErrDirectoryUnavailable indicates the directory backend failed.
	ErrDirectoryUnavailable = errors.New("users: directory unavailable")
)

// User represents a user account together with its organizational placement.
type User struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	OrganizationID string    `json:"organizationId,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
	DepartmentID   string    `json:"departmentId,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
