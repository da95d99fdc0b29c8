package cnwlicense

import (
	"context"
	"time"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// Revoke moves an active license to revoked and stamps revoked_at.
// Revoking a revoked license fails with ErrConflict.
func (e *Engine) Revoke(ctx context.Context, key, reason string) (*RevokeResponse, error) {
	var resp *RevokeResponse
	err := e.store.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
		lic, err := tx.GetLicense(ctx, key)
		if err != nil {
			return err
		}
		if lic.Status == StatusRevoked {
			return ErrConflict
		}
		now := e.stamp()
		if err := tx.UpdateStatus(ctx, key, StatusRevoked, &now); err != nil {
			return err
		}
		resp = &RevokeResponse{Key: key, Status: StatusRevoked, RevokedAt: &now, Reason: reason}
		return nil
	})
	if err != nil {
		return nil, e.storeFault(ctx, "revoke", key, err)
	}
	e.logger.InfoContext(ctx, "license revoked", "key", key, "reason", reason)
	return resp, nil
}

// Reactivate moves a revoked license back to active and clears revoked_at.
// Reactivating an active license fails with ErrConflict.
func (e *Engine) Reactivate(ctx context.Context, key string) (*RevokeResponse, error) {
	err := e.store.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
		lic, err := tx.GetLicense(ctx, key)
		if err != nil {
			return err
		}
		if lic.Status == StatusActive {
			return ErrConflict
		}
		return tx.UpdateStatus(ctx, key, StatusActive, nil)
	})
	if err != nil {
		return nil, e.storeFault(ctx, "reactivate", key, err)
	}
	e.logger.InfoContext(ctx, "license reactivated", "key", key)
	return &RevokeResponse{Key: key, Status: StatusActive}, nil
}

// CheckValid reports whether a license may be used right now. The reasons
// not_found, revoked and expired are checked in that order. A license whose
// expiry equals the current time is still valid.
//
// The error is reserved for store faults.
func (e *Engine) CheckValid(ctx context.Context, key string) (CheckResult, error) {
	lic, err := e.store.GetLicense(ctx, key)
	if err != nil {
		if err = e.storeFault(ctx, "check", key, err); err == ErrLicenseNotFound {
			return CheckResult{Reason: ReasonNotFound}, nil
		}
		return CheckResult{}, err
	}
	return evaluate(lic, e.now()), nil
}

func evaluate(lic *License, now time.Time) CheckResult {
	res := CheckResult{License: lic}
	switch {
	case lic.Status == StatusRevoked:
		res.Reason = ReasonRevoked
	case now.After(lic.ExpiresAt):
		res.Reason = ReasonExpired
	default:
		res.Valid = true
	}
	return res
}

// checkTx is CheckValid inside a unit of work. It returns the business error
// for an invalid license.
func (e *Engine) checkTx(ctx context.Context, tx store.Tx, key string) (*License, error) {
	lic, err := tx.GetLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	if res := evaluate(lic, e.now()); !res.Valid {
		return nil, res.Err()
	}
	return lic, nil
}
