package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
)

// errorBody is the wire form of every error:
// {"error": {"code": "...", "message": "..."}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var codeStatus = map[string]int{
	cnwlicense.CodeValidation:       http.StatusBadRequest,
	cnwlicense.CodeMetricNotAllowed: http.StatusBadRequest,
	cnwlicense.CodeMalformed:        http.StatusBadRequest,
	cnwlicense.CodeNotFound:         http.StatusNotFound,
	cnwlicense.CodeLicenseRevoked:   http.StatusForbidden,
	cnwlicense.CodeLicenseExpired:   http.StatusForbidden,
	cnwlicense.CodeActivationLimit:  http.StatusForbidden,
	cnwlicense.CodeUsageLimit:       http.StatusForbidden,
	cnwlicense.CodeConflict:         http.StatusConflict,
	cnwlicense.CodeNotConfigured:    http.StatusNotImplemented,
	cnwlicense.CodeUnauthorized:     http.StatusUnauthorized,
}

// statusFor maps an engine error to its HTTP status and wire code.
func statusFor(err error) (int, string) {
	code := cnwlicense.ErrorCode(err)
	if status, ok := codeStatus[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, cnwlicense.CodeInternal
}

// fail writes err as an error response. Internal errors are logged and
// their details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	s.metrics.observe(op, code)

	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, cnwlicense.ErrNotConfigured) {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", middleware.GetReqID(r.Context()), "op", op, "error", err)
		msg = "internal server error"
	}
	writeError(w, r, status, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
