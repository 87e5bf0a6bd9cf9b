package roles

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the role does not exist.
	ErrNotFound = errors.New("roles: not found")
	// ErrSystemRole indicates an attempt to modify an immutable system role.
	ErrSystemRole = errors.New("roles: system roles are immutable")
	// ErrUnknownRole indicates a persisted role missing from the built-in catalog.
	ErrUnknownRole = errors.New("roles: persisted role not in catalog")
)

// Role is the persisted form of a catalog role.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Level        int       `json:"level"`
	DisplayName  string    `json:"displayName"`
	IsSystemRole bool      `json:"isSystemRole"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
