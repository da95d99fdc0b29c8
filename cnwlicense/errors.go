package cnwlicense

import (
	"errors"
	"fmt"
)

// Sentinel errors for business-rule failures. They are expected outcomes of
// an operation and never indicate an infrastructure fault.
var (
	ErrValidation       = errors.New("validation failed")
	ErrLicenseNotFound  = errors.New("license not found")
	ErrConflict         = errors.New("license already in requested state")
	ErrLicenseRevoked   = errors.New("license revoked")
	ErrLicenseExpired   = errors.New("license expired")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrMetricNotAllowed = errors.New("metric not allowed for license")
	ErrNotActivated     = errors.New("instance not activated")
)

// ErrActivationLimit and ErrUsageLimit both match ErrQuotaExceeded with
// errors.Is, so callers may test for either the specific or the general case.
var (
	ErrActivationLimit error = quotaError("activation limit reached")
	ErrUsageLimit      error = quotaError("usage limit exceeded")
)

type quotaError string

func (e quotaError) Error() string { return string(e) }

func (e quotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// Sentinel errors for cryptographic verification. Input that fails them is
// untrusted.
var (
	ErrDecryption         = errors.New("decryption failed")
	ErrSignatureInvalid   = errors.New("signature verification failed")
	ErrPublicKeyInvalid   = errors.New("invalid public key")
	ErrLicenseFileInvalid = errors.New("invalid license file format")
)

// Sentinel errors for key material. They are raised at construction time.
var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrNotConfigured = errors.New("required key material not configured")
)

// ServerError represents an error response from the license server.
// The server returns errors in the format: {"error": {"code": "...", "message": "..."}}.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// Error codes used on the wire. ErrorCode and mapServerError are inverses.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeLicenseRevoked   = "LICENSE_REVOKED"
	CodeLicenseExpired   = "LICENSE_EXPIRED"
	CodeActivationLimit  = "ACTIVATION_LIMIT"
	CodeUsageLimit       = "USAGE_LIMIT"
	CodeMetricNotAllowed = "METRIC_NOT_ALLOWED"
	CodeMalformed        = "MALFORMED"
	CodeNotConfigured    = "NOT_CONFIGURED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInternal         = "INTERNAL_ERROR"
)

var codeSentinels = []struct {
	code     string
	sentinel error
}{
	{CodeValidation, ErrValidation},
	{CodeNotFound, ErrLicenseNotFound},
	{CodeConflict, ErrConflict},
	{CodeLicenseRevoked, ErrLicenseRevoked},
	{CodeLicenseExpired, ErrLicenseExpired},
	{CodeActivationLimit, ErrActivationLimit},
	{CodeUsageLimit, ErrUsageLimit},
	{CodeMetricNotAllowed, ErrMetricNotAllowed},
	{CodeMalformed, ErrDecryption},
	{CodeNotConfigured, ErrNotConfigured},
}

// ErrorCode returns the wire code for err, or CodeInternal when err is not
// one of the package's business or verification errors.
func ErrorCode(err error) string {
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.sentinel) {
			return cs.code
		}
	}
	if errors.Is(err, ErrLicenseFileInvalid) || errors.Is(err, ErrSignatureInvalid) {
		return CodeMalformed
	}
	return CodeInternal
}

// mapServerError converts a ServerError to a well-known sentinel error if possible.
// The returned error wraps both the sentinel error and the original ServerError
// so callers can use errors.Is() for sentinel checks and errors.As() for details.
func mapServerError(se *ServerError) error {
	for _, cs := range codeSentinels {
		if cs.code == se.Code {
			return &mappedError{sentinel: cs.sentinel, server: se}
		}
	}
	return se
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	if e.server.Message == "" {
		return e.sentinel.Error()
	}
	return e.sentinel.Error() + ": " + e.server.Message
}

func (e *mappedError) Is(target error) bool {
	return errors.Is(e.sentinel, target)
}

func (e *mappedError) As(target interface{}) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}
