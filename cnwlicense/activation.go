package cnwlicense

import (
	"context"
	"errors"
	"fmt"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// Activate binds instanceID to a license. Activating an instance that is
// already bound succeeds with AlreadyActivated set and writes nothing.
// A new instance is refused with ErrActivationLimit once the license holds
// max_activations bindings.
//
// The existing-binding check runs before the quota check, so a bound
// instance can always re-activate. Both checks and the insert happen in one
// unit of work per key, so concurrent calls never exceed the ceiling.
func (e *Engine) Activate(ctx context.Context, key, instanceID string) (*ActivateResult, error) {
	if key == "" || instanceID == "" {
		return nil, fmt.Errorf("%w: key and instance_id are required", ErrValidation)
	}

	var res *ActivateResult
	err := e.store.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
		lic, err := e.checkTx(ctx, tx, key)
		if err != nil {
			return err
		}
		exists, err := tx.ExistsActivation(ctx, key, instanceID)
		if err != nil {
			return err
		}
		if exists {
			res = &ActivateResult{
				Activated:        true,
				AlreadyActivated: true,
				Activation:       Activation{Key: key, InstanceID: instanceID},
			}
			return nil
		}
		if lic.MaxActivations != nil {
			n, err := tx.CountActivations(ctx, key)
			if err != nil {
				return err
			}
			if n >= *lic.MaxActivations {
				return ErrActivationLimit
			}
		}
		a := Activation{Key: key, InstanceID: instanceID, ActivatedAt: e.stamp()}
		if err := tx.InsertActivation(ctx, a); err != nil {
			return err
		}
		res = &ActivateResult{Activated: true, Activation: a}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrActivationLimit) {
			e.logger.WarnContext(ctx, "activation refused", "key", key, "instance_id", instanceID, "reason", "activation limit")
		}
		return nil, e.storeFault(ctx, "activate", key, err)
	}

	if res.AlreadyActivated {
		e.logger.DebugContext(ctx, "instance already activated", "key", key, "instance_id", instanceID)
	} else {
		e.logger.InfoContext(ctx, "instance activated", "key", key, "instance_id", instanceID)
	}
	return res, nil
}

// ValidateActivation is CheckValid narrowed to one instance: the result is
// valid only if the license is valid and instanceID is bound to it.
func (e *Engine) ValidateActivation(ctx context.Context, key, instanceID string) (CheckResult, error) {
	if instanceID == "" {
		return CheckResult{}, fmt.Errorf("%w: instance_id is required", ErrValidation)
	}
	res, err := e.CheckValid(ctx, key)
	if err != nil || !res.Valid {
		return res, err
	}
	var bound bool
	err = e.store.Atomically(ctx, key, func(ctx context.Context, tx store.Tx) error {
		bound, err = tx.ExistsActivation(ctx, key, instanceID)
		return err
	})
	if err != nil {
		return CheckResult{}, e.storeFault(ctx, "validate", key, err)
	}
	if !bound {
		return CheckResult{Reason: ReasonNotActivated, License: res.License}, nil
	}
	return res, nil
}

// ListActivations returns the activations of a license, newest first.
func (e *Engine) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	if _, err := e.store.GetLicense(ctx, key); err != nil {
		return nil, e.storeFault(ctx, "list activations", key, err)
	}
	out, err := e.store.ListActivations(ctx, key)
	if err != nil {
		return nil, e.storeFault(ctx, "list activations", key, err)
	}
	return out, nil
}

// DefaultRecentActivations is used when RecentActivations is called with a
// non-positive limit.
const DefaultRecentActivations = 20

// RecentActivations returns the latest activations across all licenses.
func (e *Engine) RecentActivations(ctx context.Context, limit int) ([]Activation, error) {
	if limit <= 0 {
		limit = DefaultRecentActivations
	}
	out, err := e.store.RecentActivations(ctx, limit)
	if err != nil {
		return nil, e.storeFault(ctx, "recent activations", "", err)
	}
	return out, nil
}
