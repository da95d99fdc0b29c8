package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
)

// decode reads a JSON request body into v. Untyped numbers stay
// json.Number so large limits are not rounded through float64. Malformed
// bodies are validation errors.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", cnwlicense.ErrValidation, err)
	}
	return nil
}

func requireKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", cnwlicense.ErrValidation)
	}
	return nil
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, op string, status int, v any) {
	s.metrics.observe(op, "")
	render.Status(r, status)
	render.JSON(w, r, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.IssueRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "issue", err)
		return
	}
	lic, err := s.engine.Issue(r.Context(), req)
	if err != nil {
		s.fail(w, r, "issue", err)
		return
	}
	s.ok(w, r, "issue", http.StatusCreated, cnwlicense.IssueResponse{
		Key:     lic.Key,
		Status:  string(lic.Status),
		License: lic,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.RevokeRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "revoke", err)
		return
	}
	resp, err := s.engine.Revoke(r.Context(), req.Key, req.Reason)
	if err != nil {
		s.fail(w, r, "revoke", err)
		return
	}
	s.ok(w, r, "revoke", http.StatusOK, resp)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.KeyRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "reactivate", err)
		return
	}
	resp, err := s.engine.Reactivate(r.Context(), req.Key)
	if err != nil {
		s.fail(w, r, "reactivate", err)
		return
	}
	s.ok(w, r, "reactivate", http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.KeyRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err == nil {
		err = s.engine.Delete(r.Context(), req.Key)
	}
	if err != nil {
		s.fail(w, r, "delete", err)
		return
	}
	s.ok(w, r, "delete", http.StatusOK, map[string]any{"key": req.Key, "deleted": true})
}

// listResponse is the response from /list-licenses.
type listResponse struct {
	Licenses []cnwlicense.License `json:"licenses"`
	Page     int                  `json:"page"`
	Limit    int                  `json:"limit"`
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 1)
	if err == nil && page < 1 {
		err = fmt.Errorf("%w: page must be at least 1", cnwlicense.ErrValidation)
	}
	limit, lerr := queryInt(q.Get("limit"), 20)
	if err == nil {
		err = lerr
	}
	if err == nil && (limit < 1 || limit > 100) {
		err = fmt.Errorf("%w: limit must be between 1 and 100", cnwlicense.ErrValidation)
	}
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}

	licenses, err := s.engine.List(r.Context(), cnwlicense.ListFilter{
		ProductID: q.Get("product_id"),
		Status:    cnwlicense.Status(q.Get("status")),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}
	s.ok(w, r, "list", http.StatusOK, listResponse{Licenses: licenses, Page: page, Limit: limit})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	s.ok(w, r, "stats", http.StatusOK, st)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.KeyRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "verify", err)
		return
	}
	res, err := s.engine.CheckValid(r.Context(), req.Key)
	if err != nil {
		s.fail(w, r, "verify", err)
		return
	}
	s.ok(w, r, "verify", http.StatusOK, res)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.InstanceRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "validate", err)
		return
	}
	res, err := s.engine.ValidateActivation(r.Context(), req.Key, req.InstanceID)
	if err != nil {
		s.fail(w, r, "validate", err)
		return
	}
	s.ok(w, r, "validate", http.StatusOK, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.InstanceRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "activate", err)
		return
	}
	res, err := s.engine.Activate(r.Context(), req.Key, req.InstanceID)
	if err != nil {
		s.fail(w, r, "activate", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyActivated {
		status = http.StatusOK
	}
	s.ok(w, r, "activate", status, res)
}

func (s *Server) handleListActivations(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	acts, err := s.engine.ListActivations(r.Context(), key)
	if err != nil {
		s.fail(w, r, "list_activations", err)
		return
	}
	s.ok(w, r, "list_activations", http.StatusOK, map[string]any{"key": key, "activations": acts})
}

func (s *Server) handleRecentActivations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), cnwlicense.DefaultRecentActivations)
	if err == nil && (limit < 1 || limit > 100) {
		err = fmt.Errorf("%w: limit must be between 1 and 100", cnwlicense.ErrValidation)
	}
	if err != nil {
		s.fail(w, r, "recent_activations", err)
		return
	}
	acts, err := s.engine.RecentActivations(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "recent_activations", err)
		return
	}
	s.ok(w, r, "recent_activations", http.StatusOK, map[string]any{"activations": acts})
}

func (s *Server) handleTrackUsage(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.TrackUsageRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "track_usage", err)
		return
	}
	increment := int64(1)
	if req.Increment != nil {
		increment = *req.Increment
	}
	res, err := s.engine.TrackUsage(r.Context(), req.Key, req.Metric, increment)
	if err != nil {
		s.fail(w, r, "track_usage", err)
		return
	}
	s.ok(w, r, "track_usage", http.StatusOK, res)
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.KeyRequest
	err := decode(w, r, &req)
	if err == nil {
		err = requireKey(req.Key)
	}
	if err != nil {
		s.fail(w, r, "usage_report", err)
		return
	}
	report, err := s.engine.UsageReport(r.Context(), req.Key)
	if err != nil {
		s.fail(w, r, "usage_report", err)
		return
	}
	s.ok(w, r, "usage_report", http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Export(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	s.ok(w, r, "export", http.StatusOK, p)
}

func (s *Server) handleExportOffline(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.ExportOffline(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, "export_offline", err)
		return
	}
	s.ok(w, r, "export_offline", http.StatusOK, p)
}

func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	file, err := s.engine.ExportFile(r.Context(), key)
	if err != nil {
		s.fail(w, r, "export_file", err)
		return
	}
	s.metrics.observe("export_file", "")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key+".lic"))
	io.WriteString(w, file)
}

func (s *Server) handleVerifyFile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, "verify_file", fmt.Errorf("%w: read body: %v", cnwlicense.ErrValidation, err))
		return
	}
	// Accept either the raw file or {"license_file": "..."} for clients that
	// always send JSON.
	file := string(body)
	var wrapped cnwlicense.LicenseFileRequest
	if json.Unmarshal(body, &wrapped) == nil && wrapped.LicenseFile != "" {
		file = wrapped.LicenseFile
	}
	s.verifyFile(w, r, "verify_file", file)
}

func (s *Server) handleVerifyFileBase64(w http.ResponseWriter, r *http.Request) {
	var req cnwlicense.LicenseFileRequest
	err := decode(w, r, &req)
	if err == nil && req.LicenseFile == "" {
		err = fmt.Errorf("%w: license_file is required", cnwlicense.ErrValidation)
	}
	if err != nil {
		s.fail(w, r, "verify_file", err)
		return
	}
	s.verifyFile(w, r, "verify_file", req.LicenseFile)
}

func (s *Server) verifyFile(w http.ResponseWriter, r *http.Request, op, file string) {
	res, err := s.engine.VerifyFile(r.Context(), file)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	s.ok(w, r, op, http.StatusOK, res)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pub := s.engine.PublicKey()
	if pub == nil {
		s.fail(w, r, "public_key", fmt.Errorf("%w: signing key", cnwlicense.ErrNotConfigured))
		return
	}
	pemBytes, err := cnwlicense.MarshalPublicKeyPEM(pub)
	if err != nil {
		s.fail(w, r, "public_key", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(pemBytes)
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", cnwlicense.ErrValidation, v)
	}
	return n, nil
}
