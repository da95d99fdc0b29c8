// Package store provides the record-store contract used by the license
// engine and its implementations for in-memory, SQLite, PostgreSQL, MongoDB
// and Redis backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DefaultPrefix is prepended to every table, collection or key name.
const DefaultPrefix = "cnw_"

// validIdentifier matches safe table and collection names (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Errors returned by every Store implementation.
var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("record already exists")
	ErrOutOfScope = errors.New("key outside the unit of work")
)

// Status is the lifecycle state of a license record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// License is the stored unit of entitlement.
type License struct {
	Key            string           `json:"key"`
	Tier           string           `json:"tier"`
	ProductID      string           `json:"product_id"`
	IssuedTo       string           `json:"issued_to"`
	IssuedAt       time.Time        `json:"issued_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	Status         Status           `json:"status"`
	RevokedAt      *time.Time       `json:"revoked_at,omitempty"`
	Limits         Limits           `json:"limits"`
	Usage          map[string]int64 `json:"usage"`
	MaxActivations *int             `json:"max_activations,omitempty"`
}

// Activation binds a license key to one instance identifier.
type Activation struct {
	Key         string    `json:"key"`
	InstanceID  string    `json:"instance_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ListFilter narrows ListLicenses. Zero values match everything.
type ListFilter struct {
	ProductID string
	Status    Status
	Limit     int // 0 = DefaultListLimit
	Offset    int
}

// DefaultListLimit is used when ListFilter.Limit is zero.
const DefaultListLimit = 50

// Stats summarises the whole store.
type Stats struct {
	TotalLicenses     int          `json:"total_licenses"`
	ActiveLicenses    int          `json:"active_licenses"`
	RevokedLicenses   int          `json:"revoked_licenses"`
	TotalActivations  int          `json:"total_activations"`
	RecentActivations []Activation `json:"recent_activations"`
}

// TimePrecision is the finest timestamp resolution every adapter keeps.
// MongoDB dates hold milliseconds.
const TimePrecision = time.Millisecond

// StatsRecentActivations is the number of activations returned in Stats.
const StatsRecentActivations = 5

// Tx is the view of the store available inside an atomic unit of work.
// It only serves the key passed to Atomically; any other key returns
// ErrOutOfScope. Writes become visible to other callers only if the unit
// of work returns nil.
type Tx interface {
	// GetLicense returns the license with its current usage, or ErrNotFound.
	GetLicense(ctx context.Context, key string) (*License, error)

	// UpdateStatus sets the status and revocation timestamp of a license.
	UpdateStatus(ctx context.Context, key string, status Status, revokedAt *time.Time) error

	// CountActivations returns the number of activations for a license.
	CountActivations(ctx context.Context, key string) (int, error)

	// ExistsActivation reports whether (key, instanceID) is activated.
	ExistsActivation(ctx context.Context, key, instanceID string) (bool, error)

	// InsertActivation records a new activation, or returns ErrDuplicate.
	InsertActivation(ctx context.Context, a Activation) error

	// GetUsage returns the usage counters of a license.
	GetUsage(ctx context.Context, key string) (map[string]int64, error)

	// SetUsage stores one usage counter of a license.
	SetUsage(ctx context.Context, key, metric string, value int64) error
}

// Store is the record store shared by all engine operations.
type Store interface {
	// InsertLicense stores a new license, or returns ErrDuplicate.
	InsertLicense(ctx context.Context, lic License) error

	// GetLicense returns the license with its current usage, or ErrNotFound.
	GetLicense(ctx context.Context, key string) (*License, error)

	// ListLicenses returns licenses matching the filter, newest first.
	ListLicenses(ctx context.Context, filter ListFilter) ([]License, error)

	// DeleteLicense removes a license with its activations and usage.
	DeleteLicense(ctx context.Context, key string) error

	// ListActivations returns all activations of a license, newest first.
	ListActivations(ctx context.Context, key string) ([]Activation, error)

	// RecentActivations returns the latest activations across all licenses.
	RecentActivations(ctx context.Context, limit int) ([]Activation, error)

	// Stats returns license and activation totals.
	Stats(ctx context.Context) (*Stats, error)

	// Atomically runs fn as a single unit of work serialized against every
	// other Atomically call for the same key. If fn returns an error nothing
	// it wrote is kept.
	Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}

func listLimit(f ListFilter) int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func checkScope(scope, key string) error {
	if scope != key {
		return ErrOutOfScope
	}
	return nil
}

func checkIdentifier(kind, name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("invalid %s %q: must match [a-zA-Z_][a-zA-Z0-9_]*", kind, name)
	}
	return nil
}
