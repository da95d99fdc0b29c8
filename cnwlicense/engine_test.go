package cnwlicense

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by an engine and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testConfig(t *testing.T) Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		EncryptionKey: bytes.Repeat([]byte{7}, KeySize),
		SigningSecret: []byte("test-signing-secret"),
		SigningKey:    priv,
	}
}

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: testNow}
	e, err := NewEngine(store.NewMemoryStore(), testConfig(t), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, clock
}

func intPtr(n int) *int { return &n }

func issue(t *testing.T, e *Engine, mutate ...func(*IssueRequest)) *License {
	t.Helper()
	req := IssueRequest{
		Tier:      "pro",
		ProductID: "cnw-gateway",
		IssuedTo:  "acme@example.com",
		ExpiresAt: testNow.Add(30 * 24 * time.Hour),
		Limits:    map[string]any{"users": float64(10), "requests": float64(10), "features": []any{"sso"}},
	}
	for _, m := range mutate {
		m(&req)
	}
	lic, err := e.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return lic
}

var keyPattern = regexp.MustCompile(`^CNW-[0-9A-F]{8}-[0-9A-F]{8}-[0-9A-F]{8}-[0-9A-F]{8}$`)

func TestEngine_Issue(t *testing.T) {
	e, _ := newTestEngine(t)
	lic := issue(t, e, func(r *IssueRequest) { r.MaxActivations = intPtr(2) })

	if !keyPattern.MatchString(lic.Key) {
		t.Errorf("unexpected key format %q", lic.Key)
	}
	if lic.Status != StatusActive {
		t.Errorf("expected active, got %s", lic.Status)
	}
	if !lic.IssuedAt.Equal(testNow) {
		t.Errorf("issued_at = %v, want %v", lic.IssuedAt, testNow)
	}

	got, err := e.Get(context.Background(), lic.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MaxActivations == nil || *got.MaxActivations != 2 {
		t.Errorf("max_activations = %v", got.MaxActivations)
	}
	if n, _ := got.Limits.Ceiling("requests"); n != 10 {
		t.Errorf("requests limit = %d", n)
	}

	other := issue(t, e)
	if other.Key == lic.Key {
		t.Error("keys must be unique")
	}
}

func TestEngine_Issue_TimestampsMatchStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLiteStore(ctx, "file:"+filepath.Join(t.TempDir(), "licenses.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close(ctx) })

	now := testNow.Add(123456789 * time.Nanosecond)
	e, err := NewEngine(st, Config{}, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	lic := issue(t, e, func(r *IssueRequest) {
		r.ExpiresAt = now.Add(time.Hour + 987654321*time.Nanosecond)
	})
	if lic.ExpiresAt.Nanosecond()%int(store.TimePrecision) != 0 || lic.IssuedAt.Nanosecond()%int(store.TimePrecision) != 0 {
		t.Errorf("timestamps not truncated to store precision: issued %v expires %v", lic.IssuedAt, lic.ExpiresAt)
	}

	got, err := e.Get(ctx, lic.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpiresAt.Equal(lic.ExpiresAt) || !got.IssuedAt.Equal(lic.IssuedAt) {
		t.Errorf("issued record differs from stored: issued %v/%v, stored %v/%v",
			lic.IssuedAt, lic.ExpiresAt, got.IssuedAt, got.ExpiresAt)
	}
}

func TestEngine_Issue_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		name   string
		mutate func(*IssueRequest)
	}{
		{"missing tier", func(r *IssueRequest) { r.Tier = "" }},
		{"missing product", func(r *IssueRequest) { r.ProductID = "" }},
		{"missing issued_to", func(r *IssueRequest) { r.IssuedTo = "" }},
		{"missing expiry", func(r *IssueRequest) { r.ExpiresAt = time.Time{} }},
		{"negative max", func(r *IssueRequest) { r.MaxActivations = intPtr(-1) }},
		{"unknown metric", func(r *IssueRequest) { r.Limits = map[string]any{"cpus": float64(4)} }},
		{"negative metric", func(r *IssueRequest) { r.Limits = map[string]any{"users": float64(-4)} }},
		{"fractional metric", func(r *IssueRequest) { r.Limits = map[string]any{"users": 4.5} }},
		{"bad features", func(r *IssueRequest) { r.Limits = map[string]any{"features": []any{1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := IssueRequest{
				Tier: "pro", ProductID: "p", IssuedTo: "x",
				ExpiresAt: testNow.Add(time.Hour),
			}
			tt.mutate(&req)
			_, err := e.Issue(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	st, _ := e.Stats(context.Background())
	if st.TotalLicenses != 0 {
		t.Errorf("failed issues must not store anything, got %d licenses", st.TotalLicenses)
	}
}

func TestEngine_Issue_ValidationMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Issue(context.Background(), IssueRequest{Tier: "pro"})
	if err == nil {
		t.Fatal("expected error")
	}
	want := "validation failed: product_id is required; issued_to is required; expires_at is required"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestEngine_ListDeleteStats(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	a := issue(t, e)
	clock.Set(testNow.Add(time.Minute))
	b := issue(t, e, func(r *IssueRequest) { r.ProductID = "cnw-mesh" })
	if _, err := e.Revoke(ctx, b.Key, ""); err != nil {
		t.Fatal(err)
	}

	all, err := e.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Key != b.Key {
		t.Errorf("expected newest first, got %+v", all)
	}
	revoked, _ := e.List(ctx, ListFilter{Status: StatusRevoked})
	if len(revoked) != 1 || revoked[0].Key != b.Key {
		t.Errorf("status filter: %+v", revoked)
	}
	byProduct, _ := e.List(ctx, ListFilter{ProductID: "cnw-gateway"})
	if len(byProduct) != 1 || byProduct[0].Key != a.Key {
		t.Errorf("product filter: %+v", byProduct)
	}
	if _, err := e.List(ctx, ListFilter{Status: "paused"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown status, got %v", err)
	}

	if _, err := e.Activate(ctx, a.Key, "node-1"); err != nil {
		t.Fatal(err)
	}
	st, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalLicenses != 2 || st.ActiveLicenses != 1 || st.RevokedLicenses != 1 || st.TotalActivations != 1 {
		t.Errorf("unexpected stats %+v", st)
	}

	if err := e.Delete(ctx, a.Key); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, a.Key); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("expected ErrLicenseNotFound after delete, got %v", err)
	}
	if err := e.Delete(ctx, a.Key); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("expected ErrLicenseNotFound deleting twice, got %v", err)
	}
	recent, _ := e.RecentActivations(ctx, 0)
	if len(recent) != 0 {
		t.Errorf("activations should be deleted with the license, got %+v", recent)
	}
}

func TestNewEngine_Configuration(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short key", Config{EncryptionKey: []byte("short")}},
		{"bad nonce", Config{EncryptionKey: make([]byte, KeySize), FixedNonce: make([]byte, 4)}},
		{"nonce without key", Config{FixedNonce: make([]byte, NonceSize)}},
		{"empty secret", Config{SigningSecret: []byte{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(store.NewMemoryStore(), tt.cfg); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
	if _, err := NewEngine(nil, Config{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil store: expected ErrConfiguration, got %v", err)
	}
}

func TestEngine_NotConfigured(t *testing.T) {
	e, err := NewEngine(store.NewMemoryStore(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := e.Export(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Export: %v", err)
	}
	if _, err := e.ExportFile(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ExportFile: %v", err)
	}
	if _, err := e.ExportOffline(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ExportOffline: %v", err)
	}
	if _, err := e.VerifyFile(ctx, "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("VerifyFile: %v", err)
	}
	if e.Codec() != nil || e.PublicKey() != nil {
		t.Error("expected no codec and no public key")
	}
}

// faultyStore fails every call, standing in for an unreachable backend.
type faultyStore struct{ store.Store }

var errBackend = errors.New("connection refused")

func (faultyStore) GetLicense(context.Context, string) (*store.License, error) {
	return nil, errBackend
}

func (faultyStore) Atomically(context.Context, string, func(context.Context, store.Tx) error) error {
	return errBackend
}

func TestEngine_StoreFaultsPropagate(t *testing.T) {
	e, err := NewEngine(faultyStore{store.NewMemoryStore()}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := e.CheckValid(ctx, "k"); !errors.Is(err, errBackend) {
		t.Errorf("CheckValid: expected store error, got %v", err)
	}
	if _, err := e.Activate(ctx, "k", "i"); !errors.Is(err, errBackend) {
		t.Errorf("Activate: expected store error, got %v", err)
	}
	_, err = e.TrackUsage(ctx, "k", "users", 1)
	if !errors.Is(err, errBackend) {
		t.Errorf("TrackUsage: expected store error, got %v", err)
	}
	if ErrorCode(err) != CodeInternal {
		t.Errorf("store faults should map to %s, got %s", CodeInternal, ErrorCode(err))
	}
}
