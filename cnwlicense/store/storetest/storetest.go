// Package storetest provides a conformance suite for store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// Opener returns an empty store. It is called once per subtest; the store
// is closed when the subtest ends.
type Opener func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewLicense returns an active license fixture.
func NewLicense(key string) store.License {
	maxActivations := 3
	return store.License{
		Key:       key,
		Tier:      "pro",
		ProductID: "prod-1",
		IssuedTo:  "acme@example.com",
		IssuedAt:  base,
		ExpiresAt: base.Add(365 * 24 * time.Hour),
		Status:    store.StatusActive,
		Limits: store.Limits{
			Metrics:  map[string]int64{"users": 10, "requests": 30},
			Features: []string{"sso", "audit"},
		},
		MaxActivations: &maxActivations,
	}
}

// Run runs the conformance suite against the stores returned by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertGet", testInsertGet},
		{"List", testList},
		{"Delete", testDelete},
		{"Commit", testCommit},
		{"Rollback", testRollback},
		{"Scope", testScope},
		{"Activations", testActivations},
		{"Stats", testStats},
		{"ConcurrentActivations", testConcurrentActivations},
		{"ConcurrentUsage", testConcurrentUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func mustInsert(t *testing.T, s store.Store, lic store.License) {
	t.Helper()
	if err := s.InsertLicense(context.Background(), lic); err != nil {
		t.Fatalf("InsertLicense(%s): %v", lic.Key, err)
	}
}

func testInsertGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := NewLicense("LIC-GET")
	mustInsert(t, s, want)

	got, err := s.GetLicense(ctx, want.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Key != want.Key || got.Tier != want.Tier || got.ProductID != want.ProductID || got.IssuedTo != want.IssuedTo {
		t.Errorf("identity fields = %+v, want %+v", got, want)
	}
	if !got.IssuedAt.Equal(want.IssuedAt) || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("times = %v/%v, want %v/%v", got.IssuedAt, got.ExpiresAt, want.IssuedAt, want.ExpiresAt)
	}
	if got.Status != store.StatusActive || got.RevokedAt != nil {
		t.Errorf("status = %q revoked_at = %v", got.Status, got.RevokedAt)
	}
	if v, ok := got.Limits.Ceiling("users"); !ok || v != 10 {
		t.Errorf("users ceiling = %d, %v", v, ok)
	}
	if len(got.Limits.Features) != 2 {
		t.Errorf("features = %v", got.Limits.Features)
	}
	if got.MaxActivations == nil || *got.MaxActivations != 3 {
		t.Errorf("max activations = %v", got.MaxActivations)
	}
	if len(got.Usage) != 0 {
		t.Errorf("usage = %v, want empty", got.Usage)
	}

	if err := s.InsertLicense(ctx, want); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate insert: expected ErrDuplicate, got %v", err)
	}
	if _, err := s.GetLicense(ctx, "LIC-MISSING"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing key: expected ErrNotFound, got %v", err)
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		lic := NewLicense(fmt.Sprintf("LIC-%d", i))
		lic.IssuedAt = base.Add(time.Duration(i) * time.Hour)
		if i%2 == 1 {
			lic.ProductID = "prod-2"
		}
		mustInsert(t, s, lic)
	}

	all, err := s.ListLicenses(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListLicenses: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d licenses, want 5", len(all))
	}
	if all[0].Key != "LIC-4" || all[4].Key != "LIC-0" {
		t.Errorf("order = %s..%s, want newest first", all[0].Key, all[4].Key)
	}

	prod2, err := s.ListLicenses(ctx, store.ListFilter{ProductID: "prod-2"})
	if err != nil {
		t.Fatalf("ListLicenses(prod-2): %v", err)
	}
	if len(prod2) != 2 {
		t.Errorf("prod-2: got %d, want 2", len(prod2))
	}

	page, err := s.ListLicenses(ctx, store.ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListLicenses(page): %v", err)
	}
	if len(page) != 2 || page[0].Key != "LIC-3" || page[1].Key != "LIC-2" {
		t.Errorf("page = %v", keys(page))
	}

	revoked, err := s.ListLicenses(ctx, store.ListFilter{Status: store.StatusRevoked})
	if err != nil {
		t.Fatalf("ListLicenses(revoked): %v", err)
	}
	if len(revoked) != 0 {
		t.Errorf("revoked: got %d, want 0", len(revoked))
	}
}

func keys(lics []store.License) []string {
	out := make([]string, len(lics))
	for i, l := range lics {
		out[i] = l.Key
	}
	return out
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	lic := NewLicense("LIC-DEL")
	mustInsert(t, s, lic)
	err := s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertActivation(ctx, store.Activation{Key: lic.Key, InstanceID: "i-1", ActivatedAt: base}); err != nil {
			return err
		}
		return tx.SetUsage(ctx, lic.Key, "users", 4)
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}

	if err := s.DeleteLicense(ctx, lic.Key); err != nil {
		t.Fatalf("DeleteLicense: %v", err)
	}
	if _, err := s.GetLicense(ctx, lic.Key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("after delete: expected ErrNotFound, got %v", err)
	}
	acts, err := s.ListActivations(ctx, lic.Key)
	if err != nil {
		t.Fatalf("ListActivations: %v", err)
	}
	if len(acts) != 0 {
		t.Errorf("activations after delete = %d", len(acts))
	}
	if err := s.DeleteLicense(ctx, lic.Key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}

	// A re-issued key starts from clean usage.
	mustInsert(t, s, lic)
	got, err := s.GetLicense(ctx, lic.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Usage["users"] != 0 {
		t.Errorf("usage after re-insert = %v", got.Usage)
	}
}

func testCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	lic := NewLicense("LIC-COMMIT")
	mustInsert(t, s, lic)
	revokedAt := base.Add(time.Hour)

	err := s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateStatus(ctx, lic.Key, store.StatusRevoked, &revokedAt); err != nil {
			return err
		}
		if err := tx.SetUsage(ctx, lic.Key, "users", 7); err != nil {
			return err
		}
		// Reads inside the unit of work see its own writes.
		got, err := tx.GetLicense(ctx, lic.Key)
		if err != nil {
			return err
		}
		if got.Status != store.StatusRevoked || got.Usage["users"] != 7 {
			return fmt.Errorf("own writes not visible: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}

	got, err := s.GetLicense(ctx, lic.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Status != store.StatusRevoked {
		t.Errorf("status = %q, want revoked", got.Status)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(revokedAt) {
		t.Errorf("revoked_at = %v, want %v", got.RevokedAt, revokedAt)
	}
	if got.Usage["users"] != 7 {
		t.Errorf("usage = %v", got.Usage)
	}

	err = s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateStatus(ctx, lic.Key, store.StatusActive, nil)
	})
	if err != nil {
		t.Fatalf("Atomically(reactivate): %v", err)
	}
	got, err = s.GetLicense(ctx, lic.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Status != store.StatusActive || got.RevokedAt != nil {
		t.Errorf("after reactivate: status = %q revoked_at = %v", got.Status, got.RevokedAt)
	}
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	lic := NewLicense("LIC-ROLLBACK")
	mustInsert(t, s, lic)
	boom := errors.New("boom")

	err := s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
		now := base
		if err := tx.UpdateStatus(ctx, lic.Key, store.StatusRevoked, &now); err != nil {
			return err
		}
		if err := tx.InsertActivation(ctx, store.Activation{Key: lic.Key, InstanceID: "i-1", ActivatedAt: base}); err != nil {
			return err
		}
		if err := tx.SetUsage(ctx, lic.Key, "users", 9); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, err := s.GetLicense(ctx, lic.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Status != store.StatusActive || got.Usage["users"] != 0 {
		t.Errorf("rolled back writes visible: %+v", got)
	}
	acts, err := s.ListActivations(ctx, lic.Key)
	if err != nil {
		t.Fatalf("ListActivations: %v", err)
	}
	if len(acts) != 0 {
		t.Errorf("rolled back activation visible: %v", acts)
	}
}

func testScope(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustInsert(t, s, NewLicense("LIC-A"))
	mustInsert(t, s, NewLicense("LIC-B"))

	err := s.Atomically(ctx, "LIC-A", func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetLicense(ctx, "LIC-B")
		return err
	})
	if !errors.Is(err, store.ErrOutOfScope) {
		t.Errorf("expected ErrOutOfScope, got %v", err)
	}

	err = s.Atomically(ctx, "LIC-MISSING", func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetLicense(ctx, "LIC-MISSING")
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testActivations(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := NewLicense("LIC-ACT-A"), NewLicense("LIC-ACT-B")
	mustInsert(t, s, a)
	mustInsert(t, s, b)

	activate := func(key, id string, at time.Time) error {
		return s.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertActivation(ctx, store.Activation{Key: key, InstanceID: id, ActivatedAt: at})
		})
	}
	for i, id := range []string{"i-1", "i-2", "i-3"} {
		if err := activate(a.Key, id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}
	if err := activate(b.Key, "i-1", base.Add(10*time.Minute)); err != nil {
		t.Fatalf("activate b: %v", err)
	}
	if err := activate(a.Key, "i-2", base.Add(time.Hour)); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate activation: expected ErrDuplicate, got %v", err)
	}

	err := s.Atomically(ctx, a.Key, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.CountActivations(ctx, a.Key)
		if err != nil {
			return err
		}
		if n != 3 {
			return fmt.Errorf("count = %d, want 3", n)
		}
		ok, err := tx.ExistsActivation(ctx, a.Key, "i-3")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("i-3 not found")
		}
		ok, err = tx.ExistsActivation(ctx, a.Key, "i-9")
		if err != nil {
			return err
		}
		if ok {
			return errors.New("i-9 found")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	acts, err := s.ListActivations(ctx, a.Key)
	if err != nil {
		t.Fatalf("ListActivations: %v", err)
	}
	if len(acts) != 3 || acts[0].InstanceID != "i-3" || acts[2].InstanceID != "i-1" {
		t.Errorf("ListActivations = %+v, want newest first", acts)
	}

	recent, err := s.RecentActivations(ctx, 2)
	if err != nil {
		t.Fatalf("RecentActivations: %v", err)
	}
	if len(recent) != 2 || recent[0].Key != b.Key || recent[1].InstanceID != "i-3" {
		t.Errorf("RecentActivations = %+v", recent)
	}
	if !recent[0].ActivatedAt.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("activated_at = %v", recent[0].ActivatedAt)
	}
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustInsert(t, s, NewLicense(fmt.Sprintf("LIC-S%d", i)))
	}
	err := s.Atomically(ctx, "LIC-S0", func(ctx context.Context, tx store.Tx) error {
		now := base
		if err := tx.UpdateStatus(ctx, "LIC-S0", store.StatusRevoked, &now); err != nil {
			return err
		}
		return tx.InsertActivation(ctx, store.Activation{Key: "LIC-S0", InstanceID: "i-1", ActivatedAt: base})
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalLicenses != 3 || st.ActiveLicenses != 2 || st.RevokedLicenses != 1 || st.TotalActivations != 1 {
		t.Errorf("stats = %+v", st)
	}
	if len(st.RecentActivations) != 1 {
		t.Errorf("recent = %v", st.RecentActivations)
	}
}

// testConcurrentActivations races more instances than the ceiling allows
// and checks that exactly the ceiling is admitted.
func testConcurrentActivations(t *testing.T, s store.Store) {
	ctx := context.Background()
	lic := NewLicense("LIC-RACE")
	mustInsert(t, s, lic)
	const workers = 20
	ceiling := *lic.MaxActivations
	errFull := errors.New("full")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
				n, err := tx.CountActivations(ctx, lic.Key)
				if err != nil {
					return err
				}
				if n >= ceiling {
					return errFull
				}
				return tx.InsertActivation(ctx, store.Activation{
					Key:         lic.Key,
					InstanceID:  fmt.Sprintf("i-%d", i),
					ActivatedAt: base.Add(time.Duration(i) * time.Second),
				})
			})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, errFull):
			default:
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := int(admitted.Load()); got != ceiling {
		t.Errorf("admitted %d, want %d", got, ceiling)
	}
	acts, err := s.ListActivations(ctx, lic.Key)
	if err != nil {
		t.Fatalf("ListActivations: %v", err)
	}
	if len(acts) != ceiling {
		t.Errorf("stored %d activations, want %d", len(acts), ceiling)
	}
}

// testConcurrentUsage races single increments against a ceiling.
func testConcurrentUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	lic := NewLicense("LIC-METER")
	mustInsert(t, s, lic)
	ceiling, _ := lic.Limits.Ceiling("requests")
	const workers = 50
	errOver := errors.New("over")

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, lic.Key, func(ctx context.Context, tx store.Tx) error {
				usage, err := tx.GetUsage(ctx, lic.Key)
				if err != nil {
					return err
				}
				next := usage["requests"] + 1
				if next > ceiling {
					return errOver
				}
				return tx.SetUsage(ctx, lic.Key, "requests", next)
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, errOver):
			default:
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := int64(accepted.Load()); got != ceiling {
		t.Errorf("accepted %d increments, want %d", got, ceiling)
	}
	got, err := s.GetLicense(ctx, lic.Key)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got.Usage["requests"] != ceiling {
		t.Errorf("stored usage = %d, want %d", got.Usage["requests"], ceiling)
	}
}
