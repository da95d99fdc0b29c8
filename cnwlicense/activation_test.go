package cnwlicense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEngine_Activate_Idempotent(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, func(r *IssueRequest) { r.MaxActivations = intPtr(1) })

	first, err := e.Activate(ctx, lic.Key, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Activated || first.AlreadyActivated {
		t.Errorf("first activation: %+v", first)
	}

	clock.Set(testNow.Add(time.Hour))
	second, err := e.Activate(ctx, lic.Key, "node-a")
	if err != nil {
		t.Fatalf("re-activation at full quota must succeed: %v", err)
	}
	if !second.AlreadyActivated {
		t.Error("expected already_activated on second call")
	}

	acts, err := e.ListActivations(ctx, lic.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 {
		t.Fatalf("expected 1 activation row, got %d", len(acts))
	}
	if !acts[0].ActivatedAt.Equal(testNow) {
		t.Errorf("re-activation must not rewrite the row, activated_at = %v", acts[0].ActivatedAt)
	}
}

func TestEngine_Activate_Quota(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, func(r *IssueRequest) { r.MaxActivations = intPtr(2) })

	for _, id := range []string{"A", "B"} {
		if _, err := e.Activate(ctx, lic.Key, id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}
	_, err := e.Activate(ctx, lic.Key, "C")
	if !errors.Is(err, ErrQuotaExceeded) || !errors.Is(err, ErrActivationLimit) {
		t.Fatalf("activate C: expected ErrActivationLimit, got %v", err)
	}
	if ErrorCode(err) != CodeActivationLimit {
		t.Errorf("code = %s", ErrorCode(err))
	}
}

func TestEngine_Activate_Unlimited(t *testing.T) {
	e, _ := newTestEngine(t)
	lic := issue(t, e)
	for i := 0; i < 25; i++ {
		if _, err := e.Activate(context.Background(), lic.Key, fmt.Sprintf("node-%d", i)); err != nil {
			t.Fatalf("activation %d: %v", i, err)
		}
	}
}

func TestEngine_Activate_ZeroMax(t *testing.T) {
	e, _ := newTestEngine(t)
	lic := issue(t, e, func(r *IssueRequest) { r.MaxActivations = intPtr(0) })
	if _, err := e.Activate(context.Background(), lic.Key, "A"); !errors.Is(err, ErrActivationLimit) {
		t.Errorf("expected ErrActivationLimit, got %v", err)
	}
}

func TestEngine_Activate_InvalidLicense(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Activate(ctx, "CNW-NOPE", "A"); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("unknown: expected ErrLicenseNotFound, got %v", err)
	}
	if _, err := e.Activate(ctx, "CNW-NOPE", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty instance: expected ErrValidation, got %v", err)
	}

	revoked := issue(t, e)
	e.Revoke(ctx, revoked.Key, "")
	if _, err := e.Activate(ctx, revoked.Key, "A"); !errors.Is(err, ErrLicenseRevoked) {
		t.Errorf("revoked: expected ErrLicenseRevoked, got %v", err)
	}

	expired := issue(t, e, func(r *IssueRequest) { r.ExpiresAt = testNow.Add(time.Minute) })
	clock.Set(testNow.Add(time.Hour))
	if _, err := e.Activate(ctx, expired.Key, "A"); !errors.Is(err, ErrLicenseExpired) {
		t.Errorf("expired: expected ErrLicenseExpired, got %v", err)
	}
}

func TestEngine_Activate_ConcurrentCeiling(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, func(r *IssueRequest) { r.MaxActivations = intPtr(2) })

	const rounds = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		refused   int
		unexpected []error
	)
	for i := 0; i < rounds; i++ {
		for _, id := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				res, err := e.Activate(ctx, lic.Key, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && !res.AlreadyActivated:
					admitted++
				case errors.Is(err, ErrActivationLimit):
					refused++
				case err != nil:
					unexpected = append(unexpected, err)
				}
			}(id)
		}
	}
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if admitted != 2 {
		t.Errorf("expected exactly 2 new activations, got %d", admitted)
	}
	if refused != rounds {
		t.Errorf("the losing instance should be refused every round, got %d refusals", refused)
	}
	acts, _ := e.ListActivations(ctx, lic.Key)
	if len(acts) != 2 {
		t.Errorf("ceiling exceeded: %d activations stored", len(acts))
	}
}

func TestEngine_ValidateActivation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e)
	e.Activate(ctx, lic.Key, "node-a")

	res, err := e.ValidateActivation(ctx, lic.Key, "node-a")
	if err != nil || !res.Valid {
		t.Errorf("bound instance: %+v, %v", res, err)
	}
	res, err = e.ValidateActivation(ctx, lic.Key, "node-b")
	if err != nil || res.Valid || res.Reason != ReasonNotActivated {
		t.Errorf("unbound instance: %+v, %v", res, err)
	}
	if !errors.Is(res.Err(), ErrNotActivated) {
		t.Errorf("Err() = %v", res.Err())
	}
	res, _ = e.ValidateActivation(ctx, "CNW-NOPE", "node-a")
	if res.Reason != ReasonNotFound {
		t.Errorf("unknown key: %+v", res)
	}
	if _, err := e.ValidateActivation(ctx, lic.Key, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty instance: %v", err)
	}
}

func TestEngine_ListActivations(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e)
	other := issue(t, e)

	for i, id := range []string{"first", "second", "third"} {
		clock.Set(testNow.Add(time.Duration(i) * time.Minute))
		if _, err := e.Activate(ctx, lic.Key, id); err != nil {
			t.Fatal(err)
		}
	}
	clock.Set(testNow.Add(time.Hour))
	e.Activate(ctx, other.Key, "elsewhere")

	acts, err := e.ListActivations(ctx, lic.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 3 || acts[0].InstanceID != "third" || acts[2].InstanceID != "first" {
		t.Errorf("expected newest first, got %+v", acts)
	}
	if _, err := e.ListActivations(ctx, "CNW-NOPE"); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("expected ErrLicenseNotFound, got %v", err)
	}

	recent, err := e.RecentActivations(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].InstanceID != "elsewhere" || recent[1].InstanceID != "third" {
		t.Errorf("recent activations: %+v", recent)
	}
}
