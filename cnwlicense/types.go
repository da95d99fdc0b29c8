package cnwlicense

import (
	"time"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// Record types shared with the store package.
type (
	License    = store.License
	Activation = store.Activation
	Limits     = store.Limits
	Status     = store.Status
	Stats      = store.Stats
	ListFilter = store.ListFilter
)

const (
	StatusActive  = store.StatusActive
	StatusRevoked = store.StatusRevoked
)

// Reason explains why a check found a license invalid.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotFound         Reason = "not_found"
	ReasonRevoked          Reason = "revoked"
	ReasonExpired          Reason = "expired"
	ReasonNotActivated     Reason = "not_activated"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonMalformed        Reason = "malformed"
)

// Err returns the sentinel error matching r, or nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonNotFound:
		return ErrLicenseNotFound
	case ReasonRevoked:
		return ErrLicenseRevoked
	case ReasonExpired:
		return ErrLicenseExpired
	case ReasonNotActivated:
		return ErrNotActivated
	case ReasonInvalidSignature:
		return ErrSignatureInvalid
	case ReasonMalformed:
		return ErrLicenseFileInvalid
	default:
		return ErrValidation
	}
}

// CheckResult is the outcome of CheckValid. License is set whenever the
// record exists, including for revoked and expired licenses.
type CheckResult struct {
	Valid   bool     `json:"valid"`
	Reason  Reason   `json:"reason,omitempty"`
	License *License `json:"license,omitempty"`
}

// Err returns nil for a valid result, otherwise the sentinel for Reason.
func (r CheckResult) Err() error {
	if r.Valid {
		return nil
	}
	return r.Reason.Err()
}

// IssueRequest holds the fields of a new license. Limits is kept untyped so
// that it can be checked against the metric allow-list; see ParseLimits.
type IssueRequest struct {
	Tier           string         `json:"tier" validate:"required"`
	ProductID      string         `json:"product_id" validate:"required"`
	IssuedTo       string         `json:"issued_to" validate:"required"`
	ExpiresAt      time.Time      `json:"expires_at" validate:"required"`
	Limits         map[string]any `json:"limits,omitempty"`
	MaxActivations *int           `json:"max_activations,omitempty" validate:"omitempty,gte=0"`
}

// ActivateResult is the outcome of a successful Activate.
type ActivateResult struct {
	Activated        bool       `json:"activated"`
	AlreadyActivated bool       `json:"already_activated,omitempty"`
	Activation       Activation `json:"activation"`
}

// UsageResult is the outcome of a successful TrackUsage.
type UsageResult struct {
	Key       string `json:"key"`
	Metric    string `json:"metric"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// MetricUsage is one line of a UsageReport.
type MetricUsage struct {
	Metric    string `json:"metric"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Exceeded  bool   `json:"exceeded"`
}

// UsageReport lists consumption against every declared metric, ordered by
// metric name.
type UsageReport struct {
	Key       string        `json:"key"`
	Valid     bool          `json:"valid"`
	Reason    Reason        `json:"reason,omitempty"`
	Status    Status        `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`
	Metrics   []MetricUsage `json:"metrics"`
}

// Payload is the distributable projection of a license. Sig carries the
// HMAC signature and Signature the key-pair signature; both are excluded
// from the signed bytes.
type Payload struct {
	Key       string    `json:"key"`
	Tier      string    `json:"tier"`
	ProductID string    `json:"product_id"`
	IssuedTo  string    `json:"issued_to"`
	ExpiresAt time.Time `json:"expires_at"`
	Limits    Limits    `json:"limits"`
	Sig       string    `json:"sig,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// VerifyResult is the outcome of verifying a signed payload or license file.
// Payload is set once the input has been decoded.
type VerifyResult struct {
	Valid   bool     `json:"valid"`
	Reason  Reason   `json:"reason,omitempty"`
	Payload *Payload `json:"license,omitempty"`
}

// KeyRequest is the request body of the routes that only take a license key.
type KeyRequest struct {
	Key string `json:"key"`
}

// RevokeRequest is the request body for /revoke-license.
type RevokeRequest struct {
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
}

// RevokeResponse is the response from /revoke-license and /reactivate-license.
type RevokeResponse struct {
	Key       string     `json:"key"`
	Status    Status     `json:"status"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// InstanceRequest is the request body for /activate-license and
// /validate-license.
type InstanceRequest struct {
	Key        string `json:"key"`
	InstanceID string `json:"instance_id"`
}

// TrackUsageRequest is the request body for /track-usage. A nil Increment
// means 1.
type TrackUsageRequest struct {
	Key       string `json:"key"`
	Metric    string `json:"metric"`
	Increment *int64 `json:"increment,omitempty"`
}

// IssueResponse is the response from /issue-license.
type IssueResponse struct {
	Key     string   `json:"key"`
	Status  string   `json:"status"`
	License *License `json:"license"`
}

// LicenseFileRequest is the request body for /verify-license-file-base64.
type LicenseFileRequest struct {
	LicenseFile string `json:"license_file"`
}
