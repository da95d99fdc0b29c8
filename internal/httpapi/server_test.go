package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

const adminKey = "test-admin-key"

func newTestServer(t *testing.T, cfg cnwlicense.Config) *httptest.Server {
	t.Helper()
	eng, err := cnwlicense.NewEngine(store.NewMemoryStore(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	srv := httptest.NewServer(New(eng, WithAdminKey(adminKey), WithRegistry(prometheus.NewRegistry())))
	t.Cleanup(srv.Close)
	return srv
}

func fullConfig(t *testing.T) cnwlicense.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return cnwlicense.Config{
		EncryptionKey: bytes.Repeat([]byte{9}, cnwlicense.KeySize),
		SigningSecret: []byte("route-secret"),
		SigningKey:    priv,
	}
}

type response struct {
	status int
	body   []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r response) errorCode(t *testing.T) string {
	t.Helper()
	var body errorBody
	r.decode(t, &body)
	return body.Error.Code
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, admin bool) response {
	t.Helper()
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, body: raw}
}

func issueLicense(t *testing.T, srv *httptest.Server, extra map[string]any) string {
	t.Helper()
	req := map[string]any{
		"tier":       "pro",
		"product_id": "cnw-gateway",
		"issued_to":  "acme@example.com",
		"expires_at": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"limits":     map[string]any{"requests": 10, "users": 5},
	}
	for k, v := range extra {
		req[k] = v
	}
	resp := do(t, srv, http.MethodPost, "/issue-license", req, true)
	if resp.status != http.StatusCreated {
		t.Fatalf("issue: status %d: %s", resp.status, resp.body)
	}
	var out cnwlicense.IssueResponse
	resp.decode(t, &out)
	if out.Status != "active" || out.License == nil {
		t.Fatalf("unexpected issue response %s", resp.body)
	}
	return out.Key
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	resp := do(t, srv, http.MethodGet, "/health", nil, false)
	if resp.status != http.StatusOK || !strings.Contains(string(resp.body), `"ok"`) {
		t.Errorf("health: %d %s", resp.status, resp.body)
	}
}

func TestServer_AdminAuth(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	admin := []struct{ method, path string }{
		{http.MethodPost, "/issue-license"},
		{http.MethodPost, "/revoke-license"},
		{http.MethodPost, "/reactivate-license"},
		{http.MethodDelete, "/delete-license"},
		{http.MethodGet, "/list-licenses"},
		{http.MethodGet, "/admin/stats"},
	}
	for _, rt := range admin {
		t.Run(rt.path, func(t *testing.T) {
			resp := do(t, srv, rt.method, rt.path, map[string]any{}, false)
			if resp.status != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", resp.status)
			}
			if code := resp.errorCode(t); code != cnwlicense.CodeUnauthorized {
				t.Errorf("code = %s", code)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", resp.StatusCode)
	}
}

func TestServer_IssueValidation(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	tests := []struct {
		name string
		body any
	}{
		{"not json", "{"},
		{"missing fields", map[string]any{"tier": "pro"}},
		{"unknown metric", map[string]any{
			"tier": "pro", "product_id": "p", "issued_to": "x",
			"expires_at": "2030-01-01T00:00:00Z", "limits": map[string]any{"cpus": 4},
		}},
		{"bad features", map[string]any{
			"tier": "pro", "product_id": "p", "issued_to": "x",
			"expires_at": "2030-01-01T00:00:00Z", "limits": map[string]any{"features": "sso"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/issue-license", tt.body, true)
			if resp.status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", resp.status, resp.body)
			}
			if code := resp.errorCode(t); code != cnwlicense.CodeValidation {
				t.Errorf("code = %s", code)
			}
		})
	}
}

func TestServer_IssueLargeLimit(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	body := `{"tier":"pro","product_id":"p","issued_to":"x","expires_at":"2030-01-01T00:00:00Z",` +
		`"limits":{"requests":9007199254740993}}`
	resp := do(t, srv, http.MethodPost, "/issue-license", body, true)
	if resp.status != http.StatusCreated {
		t.Fatalf("issue: %d %s", resp.status, resp.body)
	}
	var out cnwlicense.IssueResponse
	resp.decode(t, &out)
	if n, _ := out.License.Limits.Ceiling("requests"); n != 9007199254740993 {
		t.Errorf("requests limit = %d, want 9007199254740993", n)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	key := issueLicense(t, srv, nil)

	var check cnwlicense.CheckResult
	do(t, srv, http.MethodPost, "/verify-license", map[string]any{"key": key}, false).decode(t, &check)
	if !check.Valid {
		t.Fatalf("fresh license should verify: %+v", check)
	}

	resp := do(t, srv, http.MethodPost, "/revoke-license", map[string]any{"key": key, "reason": "fraud"}, true)
	if resp.status != http.StatusOK {
		t.Fatalf("revoke: %d %s", resp.status, resp.body)
	}
	var revoked cnwlicense.RevokeResponse
	resp.decode(t, &revoked)
	if revoked.Status != cnwlicense.StatusRevoked || revoked.RevokedAt == nil || revoked.Reason != "fraud" {
		t.Errorf("revoke response %s", resp.body)
	}

	resp = do(t, srv, http.MethodPost, "/revoke-license", map[string]any{"key": key}, true)
	if resp.status != http.StatusConflict || resp.errorCode(t) != cnwlicense.CodeConflict {
		t.Errorf("second revoke: %d %s", resp.status, resp.body)
	}

	do(t, srv, http.MethodPost, "/verify-license", map[string]any{"key": key}, false).decode(t, &check)
	if check.Valid || check.Reason != cnwlicense.ReasonRevoked {
		t.Errorf("after revoke: %+v", check)
	}

	resp = do(t, srv, http.MethodPost, "/reactivate-license", map[string]any{"key": key}, true)
	if resp.status != http.StatusOK {
		t.Fatalf("reactivate: %d %s", resp.status, resp.body)
	}
	do(t, srv, http.MethodPost, "/verify-license", map[string]any{"key": key}, false).decode(t, &check)
	if !check.Valid {
		t.Errorf("after reactivate: %+v", check)
	}

	resp = do(t, srv, http.MethodPost, "/revoke-license", map[string]any{"key": "CNW-NOPE"}, true)
	if resp.status != http.StatusNotFound || resp.errorCode(t) != cnwlicense.CodeNotFound {
		t.Errorf("unknown revoke: %d %s", resp.status, resp.body)
	}

	resp = do(t, srv, http.MethodDelete, "/delete-license", map[string]any{"key": key}, true)
	if resp.status != http.StatusOK {
		t.Fatalf("delete: %d %s", resp.status, resp.body)
	}
	do(t, srv, http.MethodPost, "/verify-license", map[string]any{"key": key}, false).decode(t, &check)
	if check.Reason != cnwlicense.ReasonNotFound {
		t.Errorf("after delete: %+v", check)
	}
	resp = do(t, srv, http.MethodDelete, "/delete-license", map[string]any{"key": key}, true)
	if resp.status != http.StatusNotFound {
		t.Errorf("second delete: %d", resp.status)
	}
}

func TestServer_Activation(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	key := issueLicense(t, srv, map[string]any{"max_activations": 2})

	for _, id := range []string{"A", "B"} {
		resp := do(t, srv, http.MethodPost, "/activate-license", map[string]any{"key": key, "instance_id": id}, false)
		if resp.status != http.StatusCreated {
			t.Fatalf("activate %s: %d %s", id, resp.status, resp.body)
		}
	}
	resp := do(t, srv, http.MethodPost, "/activate-license", map[string]any{"key": key, "instance_id": "A"}, false)
	var again cnwlicense.ActivateResult
	resp.decode(t, &again)
	if resp.status != http.StatusOK || !again.AlreadyActivated {
		t.Errorf("re-activate: %d %s", resp.status, resp.body)
	}

	resp = do(t, srv, http.MethodPost, "/activate-license", map[string]any{"key": key, "instance_id": "C"}, false)
	if resp.status != http.StatusForbidden || resp.errorCode(t) != cnwlicense.CodeActivationLimit {
		t.Errorf("activate C: %d %s", resp.status, resp.body)
	}

	var check cnwlicense.CheckResult
	do(t, srv, http.MethodPost, "/validate-license", map[string]any{"key": key, "instance_id": "B"}, false).decode(t, &check)
	if !check.Valid {
		t.Errorf("validate bound instance: %+v", check)
	}
	do(t, srv, http.MethodPost, "/validate-license", map[string]any{"key": key, "instance_id": "C"}, false).decode(t, &check)
	if check.Valid || check.Reason != cnwlicense.ReasonNotActivated {
		t.Errorf("validate unbound instance: %+v", check)
	}

	var listed struct {
		Activations []cnwlicense.Activation `json:"activations"`
	}
	do(t, srv, http.MethodGet, "/list-activations/"+key, nil, false).decode(t, &listed)
	if len(listed.Activations) != 2 {
		t.Errorf("list activations: %+v", listed)
	}
	resp = do(t, srv, http.MethodGet, "/list-activations/CNW-NOPE", nil, false)
	if resp.status != http.StatusNotFound {
		t.Errorf("list activations unknown: %d", resp.status)
	}
	do(t, srv, http.MethodGet, "/recent-activations?limit=1", nil, false).decode(t, &listed)
	if len(listed.Activations) != 1 {
		t.Errorf("recent activations: %+v", listed)
	}

	var stats cnwlicense.Stats
	do(t, srv, http.MethodGet, "/admin/stats", nil, true).decode(t, &stats)
	if stats.TotalLicenses != 1 || stats.TotalActivations != 2 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestServer_ConcurrentActivation(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	key := issueLicense(t, srv, map[string]any{"max_activations": 2})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"key":%q,"instance_id":"node-%d"}`, key, i%3)
			resp, err := srv.Client().Post(srv.URL+"/activate-license", "application/json", strings.NewReader(body))
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if created != 2 {
		t.Errorf("expected 2 new activations, got %d", created)
	}
}

func TestServer_Usage(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	key := issueLicense(t, srv, nil)

	resp := do(t, srv, http.MethodPost, "/track-usage", map[string]any{"key": key, "metric": "requests", "increment": 8}, false)
	if resp.status != http.StatusOK {
		t.Fatalf("track: %d %s", resp.status, resp.body)
	}
	resp = do(t, srv, http.MethodPost, "/track-usage", map[string]any{"key": key, "metric": "requests", "increment": 3}, false)
	if resp.status != http.StatusForbidden || resp.errorCode(t) != cnwlicense.CodeUsageLimit {
		t.Errorf("over limit: %d %s", resp.status, resp.body)
	}
	resp = do(t, srv, http.MethodPost, "/track-usage", map[string]any{"key": key, "metric": "requests"}, false)
	var res cnwlicense.UsageResult
	resp.decode(t, &res)
	if res.Used != 9 {
		t.Errorf("default increment of 1: %s", resp.body)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"zero", map[string]any{"key": key, "metric": "requests", "increment": 0}, http.StatusBadRequest, cnwlicense.CodeValidation},
		{"max int64", map[string]any{"key": key, "metric": "requests", "increment": int64(math.MaxInt64)}, http.StatusForbidden, cnwlicense.CodeUsageLimit},
		{"undeclared", map[string]any{"key": key, "metric": "seats"}, http.StatusBadRequest, cnwlicense.CodeMetricNotAllowed},
		{"unknown key", map[string]any{"key": "CNW-NOPE", "metric": "requests"}, http.StatusNotFound, cnwlicense.CodeNotFound},
		{"no key", map[string]any{"metric": "requests"}, http.StatusBadRequest, cnwlicense.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/track-usage", tt.body, false)
			if resp.status != tt.status || resp.errorCode(t) != tt.code {
				t.Errorf("got %d %s", resp.status, resp.body)
			}
		})
	}

	var report cnwlicense.UsageReport
	do(t, srv, http.MethodPost, "/usage-report", map[string]any{"key": key}, false).decode(t, &report)
	if len(report.Metrics) != 2 || report.Metrics[0].Metric != "requests" || report.Metrics[0].Remaining != 1 {
		t.Errorf("usage report: %+v", report)
	}
}

func TestServer_ListLicenses(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	for i := 0; i < 3; i++ {
		issueLicense(t, srv, nil)
	}
	issueLicense(t, srv, map[string]any{"product_id": "other"})

	var out listResponse
	do(t, srv, http.MethodGet, "/list-licenses?product_id=cnw-gateway&limit=2&page=2", nil, true).decode(t, &out)
	if len(out.Licenses) != 1 || out.Page != 2 || out.Limit != 2 {
		t.Errorf("page 2: %+v", out)
	}
	for _, q := range []string{"limit=0", "limit=abc", "page=0", "status=paused"} {
		resp := do(t, srv, http.MethodGet, "/list-licenses?"+q, nil, true)
		if resp.status != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.status)
		}
	}
}

func TestServer_ExportAndVerify(t *testing.T) {
	srv := newTestServer(t, fullConfig(t))
	key := issueLicense(t, srv, nil)

	resp := do(t, srv, http.MethodGet, "/export-license/"+key, nil, false)
	if resp.status != http.StatusOK {
		t.Fatalf("export: %d %s", resp.status, resp.body)
	}
	var p cnwlicense.Payload
	resp.decode(t, &p)
	if p.Sig == "" {
		t.Fatal("missing sig")
	}

	resp = do(t, srv, http.MethodGet, "/export-license/"+key+"/file", nil, false)
	if resp.status != http.StatusOK {
		t.Fatalf("export file: %d %s", resp.status, resp.body)
	}
	file := string(resp.body)

	var res cnwlicense.VerifyResult
	do(t, srv, http.MethodPost, "/verify-license-file", file, false).decode(t, &res)
	if !res.Valid || res.Payload == nil || res.Payload.Key != key {
		t.Errorf("verify file: %+v", res)
	}
	do(t, srv, http.MethodPost, "/verify-license-file-base64", map[string]any{"license_file": file}, false).decode(t, &res)
	if !res.Valid {
		t.Errorf("verify base64 file: %+v", res)
	}
	do(t, srv, http.MethodPost, "/verify-license-file", "bm90IGEgbGljZW5zZQ==", false).decode(t, &res)
	if res.Valid || res.Reason != cnwlicense.ReasonMalformed {
		t.Errorf("garbage file: %+v", res)
	}

	resp = do(t, srv, http.MethodGet, "/export-license/"+key+"/offline", nil, false)
	if resp.status != http.StatusOK {
		t.Fatalf("export offline: %d %s", resp.status, resp.body)
	}
	pemResp := do(t, srv, http.MethodGet, "/public-key", nil, false)
	pub, err := cnwlicense.ParsePublicKeyPEM(pemResp.body)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	v := cnwlicense.NewOfflineValidator(cnwlicense.WithPublicKey(pub))
	if _, err := v.Verify(resp.body); err != nil {
		t.Errorf("offline verification of exported payload: %v", err)
	}

	resp = do(t, srv, http.MethodGet, "/export-license/CNW-NOPE", nil, false)
	if resp.status != http.StatusNotFound {
		t.Errorf("export unknown: %d", resp.status)
	}
}

func TestServer_NotConfigured(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	key := issueLicense(t, srv, nil)
	for _, path := range []string{"/export-license/" + key, "/export-license/" + key + "/file", "/public-key"} {
		resp := do(t, srv, http.MethodGet, path, nil, false)
		if resp.status != http.StatusNotImplemented || resp.errorCode(t) != cnwlicense.CodeNotConfigured {
			t.Errorf("%s: %d %s", path, resp.status, resp.body)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, cnwlicense.Config{})
	do(t, srv, http.MethodPost, "/verify-license", map[string]any{"key": "CNW-NOPE"}, false)

	resp := do(t, srv, http.MethodGet, "/metrics", nil, false)
	body := string(resp.body)
	for _, want := range []string{
		`cnw_license_http_requests_total{method="POST",route="/verify-license",status="200"} 1`,
		`cnw_license_operations_total{operation="verify",outcome="OK"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_SDKClient(t *testing.T) {
	srv := newTestServer(t, fullConfig(t))
	key := issueLicense(t, srv, map[string]any{"max_activations": 1})
	ctx := context.Background()

	client := cnwlicense.NewOnlineClient(srv.URL, "api-key",
		cnwlicense.WithAdminToken(adminKey), cnwlicense.WithInstanceID("node-1"))

	if _, err := client.Activate(ctx, key, ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := client.Activate(ctx, key, "node-2"); err == nil || cnwlicense.ErrorCode(err) != cnwlicense.CodeActivationLimit {
		t.Errorf("expected activation limit through the SDK, got %v", err)
	}
	if _, err := client.TrackUsage(ctx, key, "requests", 11); cnwlicense.ErrorCode(err) != cnwlicense.CodeUsageLimit {
		t.Errorf("expected usage limit through the SDK, got %v", err)
	}
	if _, err := client.Export(ctx, key); err != nil {
		t.Errorf("Export: %v", err)
	}
	if _, err := client.Revoke(ctx, key, "test"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	res, err := client.Validate(ctx, key, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != cnwlicense.ReasonRevoked {
		t.Errorf("validate after revoke: %+v", res)
	}
}
